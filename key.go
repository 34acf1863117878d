package vas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

type (
	// Chunk is the payload of a stored chunk:
	// the raw bytes of one fixed-size block of array elements.
	Chunk []byte

	// Key is the key of a chunk: the sha256 hash of its payload.
	// It identifies the stored bytes, not a logical coordinate;
	// many (version, dataset, coordinate) slots may share one Key.
	Key [sha256.Size]byte
)

// Key computes the Key of a chunk payload.
func (c Chunk) Key() Key {
	return sha256.Sum256(c)
}

// Zero is the zero value of a Key.
var Zero Key

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) Less(other Key) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

func (k Key) IsZero() bool {
	return k == Zero
}

func (k *Key) FromHex(s string) error {
	if len(s) != 2*sha256.Size {
		return errors.New("wrong length")
	}
	_, err := hex.Decode(k[:], []byte(s))
	return err
}

// MarshalText implements encoding.TextMarshaler,
// allowing Keys to serve as JSON map keys in version manifests.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	return k.FromHex(string(text))
}

func KeyFromBytes(b []byte) Key {
	var out Key
	copy(out[:], b)
	return out
}

func KeyFromHex(s string) (Key, error) {
	var out Key
	err := out.FromHex(s)
	return out, err
}
