/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package odid implements the Observation Domain ID range filter used by
// the output manager (§4.7), grounded on original_source's
// src/core/odid_range.c: a sorted list of single values and half-open
// "from-to" intervals, parsed from a comma-separated string expression.
package odid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type nodeKind int

const (
	nodeValue nodeKind = iota
	nodeInterval
)

type node struct {
	kind     nodeKind
	val      uint32
	from, to uint32
}

// Range is a sorted set of ODID values and intervals.
type Range struct {
	nodes []node
}

// Parse parses a comma-separated ODID range expression. Each element is
// either a single decimal value ("5") or a half-open interval
// ("10-20", covering 10 through 19). Whitespace around elements is ignored. An empty string
// parses to an empty Range (matches nothing).
func Parse(expr string) (*Range, error) {
	r := &Range{}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return r, nil
	}

	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("odid range: empty element in %q", expr)
		}
		if idx := strings.IndexByte(part, '-'); idx > 0 {
			fromStr := strings.TrimSpace(part[:idx])
			toStr := strings.TrimSpace(part[idx+1:])
			from, err := parseUint32(fromStr)
			if err != nil {
				return nil, fmt.Errorf("odid range: invalid interval start %q: %w", fromStr, err)
			}
			to, err := parseUint32(toStr)
			if err != nil {
				return nil, fmt.Errorf("odid range: invalid interval end %q: %w", toStr, err)
			}
			if from > to {
				return nil, fmt.Errorf("odid range: interval %q is inverted (from > to)", part)
			}
			r.nodes = append(r.nodes, node{kind: nodeInterval, from: from, to: to})
			continue
		}
		v, err := parseUint32(part)
		if err != nil {
			return nil, fmt.Errorf("odid range: invalid value %q: %w", part, err)
		}
		r.nodes = append(r.nodes, node{kind: nodeValue, val: v})
	}

	sort.Slice(r.nodes, func(i, j int) bool { return r.lowerBound(i) < r.lowerBound(j) })
	return r, nil
}

func (r *Range) lowerBound(i int) uint32 {
	n := r.nodes[i]
	if n.kind == nodeValue {
		return n.val
	}
	return n.from
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// Contains reports whether odid is covered by any node in the range. Node
// count per filter is small (configuration-sized), so this is a linear
// scan rather than a binary search.
func (r *Range) Contains(odid uint32) bool {
	for _, n := range r.nodes {
		switch n.kind {
		case nodeValue:
			if n.val == odid {
				return true
			}
		case nodeInterval:
			if odid >= n.from && odid < n.to {
				return true
			}
		}
	}
	return false
}

// String renders the range back to its comma-separated expression form.
func (r *Range) String() string {
	parts := make([]string, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.kind == nodeValue {
			parts = append(parts, strconv.FormatUint(uint64(n.val), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", n.from, n.to))
		}
	}
	return strings.Join(parts, ",")
}
