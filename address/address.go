// Package address normalizes the account identifiers the sequencer emits.
//
// Depending on the code path, an account shows up as a hex string, a
// single-element wrapper around a hex string, or a raw byte sequence. All
// three collapse to one canonical lowercase 0x-prefixed hex form before any
// equality comparison.
package address

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnrecognized is returned when a value cannot be read as an address.
var ErrUnrecognized = errors.New("address: unrecognized address-like value")

// Address is the canonical lowercase hex form of an account identifier.
// The zero value means "no account".
type Address string

// Zero is the empty address.
const Zero Address = ""

// Normalize canonicalizes a hex string: trims an optional 0x prefix,
// lowercases, and re-adds the prefix. Normalize is idempotent.
func Normalize(s string) Address {
	if s == "" {
		return Zero
	}
	return Address("0x" + strings.TrimPrefix(strings.ToLower(s), "0x"))
}

// FromBytes canonicalizes a raw byte-sequence form.
func FromBytes(b []byte) Address {
	if len(b) == 0 {
		return Zero
	}
	return Address(strings.ToLower(hexutil.Encode(b)))
}

// Equal reports whether two already-canonical addresses match.
func Equal(a, b Address) bool {
	return a != Zero && a == b
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Zero
}

// String returns the canonical form.
func (a Address) String() string {
	return string(a)
}

// UnmarshalJSON accepts the three wire shapes: a hex string, a
// single-element array wrapping a hex string, or an array of byte values.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = Normalize(s)
		return nil
	}

	var wrapped []jsoniter.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return errors.Wrap(ErrUnrecognized, err.Error())
	}
	if len(wrapped) == 1 {
		var inner string
		if err := json.Unmarshal(wrapped[0], &inner); err == nil {
			*a = Normalize(inner)
			return nil
		}
	}

	bytes := make([]byte, 0, len(wrapped))
	for _, raw := range wrapped {
		var v uint16
		if err := json.Unmarshal(raw, &v); err != nil || v > 0xff {
			return ErrUnrecognized
		}
		bytes = append(bytes, byte(v))
	}
	*a = FromBytes(bytes)
	return nil
}

// MarshalJSON emits the canonical string form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}
