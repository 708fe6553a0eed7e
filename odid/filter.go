package odid

import (
	"fmt"
)

// Kind selects how a Filter's Range is interpreted (§4.7 "ODID filter").
type Kind string

const (
	// KindNone passes every message through regardless of ODID.
	KindNone Kind = "NONE"
	// KindOnly passes only messages whose ODID is in Range.
	KindOnly Kind = "ONLY"
	// KindExcept passes every message except those whose ODID is in Range.
	KindExcept Kind = "EXCEPT"
)

// Filter is one output destination's ODID match rule (§4.7).
type Filter struct {
	Kind  Kind   `json:"type,omitempty" yaml:"type,omitempty"`
	Range *Range `json:"-" yaml:"-"`

	// Expr is Range's source text, kept so (Un)MarshalYAML can round-trip
	// without re-stringifying Range on every marshal.
	Expr string `json:"range,omitempty" yaml:"range,omitempty"`
}

// NewFilter constructs a Filter, parsing expr when kind requires a range
// (ONLY/EXCEPT); expr is ignored for KindNone.
func NewFilter(kind Kind, expr string) (*Filter, error) {
	f := &Filter{Kind: kind, Expr: expr}
	if kind == KindNone {
		return f, nil
	}
	r, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	f.Range = r
	return f, nil
}

// Match reports whether odid passes this filter (§4.7).
func (f *Filter) Match(odid uint32) bool {
	switch f.Kind {
	case KindNone:
		return true
	case KindOnly:
		return f.Range != nil && f.Range.Contains(odid)
	case KindExcept:
		return f.Range == nil || !f.Range.Contains(odid)
	default:
		return false
	}
}

type filterAlias struct {
	Kind Kind   `json:"type" yaml:"type"`
	Expr string `json:"range,omitempty" yaml:"range,omitempty"`
}

// UnmarshalYAML decodes {type, range} into a parsed Filter.
func (f *Filter) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var a filterAlias
	if err := unmarshal(&a); err != nil {
		return err
	}
	nf, err := NewFilter(a.Kind, a.Expr)
	if err != nil {
		return fmt.Errorf("decoding odid filter: %w", err)
	}
	*f = *nf
	return nil
}

// MarshalYAML encodes the Filter back to {type, range}.
func (f *Filter) MarshalYAML() (interface{}, error) {
	return filterAlias{Kind: f.Kind, Expr: f.Expr}, nil
}
