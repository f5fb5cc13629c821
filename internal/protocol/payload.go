package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// EncodePayload packs values as little-endian 32-bit integers.
func EncodePayload(values ...int32) ([]byte, error) {
	if len(values)*4 > MaxPayload {
		return nil, &Error{
			Type: ErrTypePayload,
			Op:   "encode payload",
			Err:  fmt.Errorf("%d values need %d bytes, limit is %d", len(values), len(values)*4, MaxPayload),
		}
	}
	buf := make([]byte, 0, len(values)*4)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	return buf, nil
}

// Dispatch selects how protocol misuse is handled
type Dispatch int

const (
	// DispatchPermissive treats misuse as a silent no-op
	DispatchPermissive Dispatch = iota
	// DispatchStrict reports misuse as ErrTypeBadInstruction
	DispatchStrict
)

// String returns the config name of the policy
func (d Dispatch) String() string {
	switch d {
	case DispatchPermissive:
		return "permissive"
	case DispatchStrict:
		return "strict"
	default:
		return fmt.Sprintf("Dispatch(%d)", d)
	}
}

// ParseDispatch parses a policy name. The empty string means permissive.
func ParseDispatch(s string) (Dispatch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "permissive":
		return DispatchPermissive, nil
	case "strict":
		return DispatchStrict, nil
	default:
		return 0, fmt.Errorf("unknown dispatch policy %q (expected permissive or strict)", s)
	}
}
