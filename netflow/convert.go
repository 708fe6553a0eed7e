package netflow

import (
	"encoding/binary"
	"fmt"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
)

// Converter dispatches a raw exporter message to the v5 or v9 converter by
// its leading version field, matching parser.Parser.Converter's signature.
// One Converter is shared by every session, keyed internally per ODID.
type Converter struct {
	V5 *V5Converter
	V9 *V9Converter
}

// Convert implements the func(sess, odid, raw) ([]byte, error) shape parser.Parser.Converter expects.
func (c *Converter) Convert(_ *session.Session, odid uint32, raw []byte) ([]byte, error) {
	if len(raw) < 2 {
		return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("message too short to carry a version field"))
	}
	switch binary.BigEndian.Uint16(raw[0:2]) {
	case 5:
		return c.V5.Convert(odid, raw)
	case 9:
		return c.V9.Convert(odid, raw)
	default:
		return nil, pipeline.NewError(pipeline.FORMAT, fmt.Errorf("unsupported netflow version"))
	}
}
