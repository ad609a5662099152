// Package key implements the byte-string keys of the store and the interval
// algebra over them.
package key

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Key is an immutable byte string. Keys are ordered by unsigned
// lexicographic byte comparison, a key that is a prefix of another sorts
// first. Inf sorts after every other key.
type Key struct {
	raw string
	inf bool
}

var (
	// Zero is the empty key, the smallest key there is.
	Zero = Key{}
	// Inf is the sentinel that sorts after every key.
	Inf = Key{inf: true}
)

var errMalformed = errors.New("malformed key encoding")

func New(b []byte) Key {
	return Key{raw: string(b)}
}

func FromString(s string) Key {
	return Key{raw: s}
}

// Bytes returns a copy of the key's bytes. Inf has no bytes.
func (k Key) Bytes() []byte {
	return []byte(k.raw)
}

func (k Key) IsInf() bool {
	return k.inf
}

func (k Key) Len() int {
	return len(k.raw)
}

func (k Key) Compare(o Key) int {
	switch {
	case k.inf && o.inf:
		return 0
	case k.inf:
		return 1
	case o.inf:
		return -1
	}
	return strings.Compare(k.raw, o.raw)
}

func (k Key) Equal(o Key) bool {
	return k.inf == o.inf && k.raw == o.raw
}

func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// HasPrefix reports whether p is a prefix of k.
func (k Key) HasPrefix(p Key) bool {
	if k.inf || p.inf {
		return false
	}
	return strings.HasPrefix(k.raw, p.raw)
}

func (k Key) String() string {
	if k.inf {
		return "inf"
	}
	if isPrintable(k.raw) {
		return k.raw
	}
	return "0x" + hex.EncodeToString([]byte(k.raw))
}

func isPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// MarshalBinary encodes the key as a flag byte followed by the raw bytes.
func (k Key) MarshalBinary() ([]byte, error) {
	out := make([]byte, 1+len(k.raw))
	if k.inf {
		out[0] = 1
	}
	copy(out[1:], k.raw)
	return out, nil
}

func (k *Key) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errMalformed
	}
	switch data[0] {
	case 0:
		*k = Key{raw: string(data[1:])}
	case 1:
		*k = Inf
	default:
		return errMalformed
	}
	return nil
}

func (k Key) MarshalText() ([]byte, error) {
	if k.inf {
		return []byte("inf"), nil
	}
	return []byte("0x" + hex.EncodeToString([]byte(k.raw))), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "inf" {
		*k = Inf
		return nil
	}
	if !strings.HasPrefix(s, "0x") {
		return fmt.Errorf("%w: %q", errMalformed, s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	*k = Key{raw: string(b)}
	return nil
}
