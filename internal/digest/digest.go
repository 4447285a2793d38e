// Package digest computes domain-separated BLAKE3 digests of JSON values.
//
// Each use gets its own 32-byte key so an inputs hash can never collide with
// an approved-config hash of the same bytes.
package digest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes; hex strings are twice as long.
const Size = 32

// Domain is a 32-byte BLAKE3 key naming what is being hashed.
type Domain [32]byte

var (
	// Inputs hashes operation inputs recorded on observations.
	Inputs = Domain{
		'g', 'o', 'a', 't', 'f', 'i', 'e', 'l', 'd', '.', 'i', 'n', 'p', 'u', 't', 's',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	// Config hashes approved configurations written to the audit log.
	Config = Domain{
		'g', 'o', 'a', 't', 'f', 'i', 'e', 'l', 'd', '.', 'c', 'o', 'n', 'f', 'i', 'g',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// Bytes returns the keyed digest of data as lowercase hex.
func Bytes(d Domain, data []byte) string {
	h, err := blake3.NewKeyed(d[:])
	if err != nil {
		// Only fails on a key of the wrong length, which Domain rules out.
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// JSON returns the keyed digest of v's JSON encoding. Map keys are encoded in
// sorted order, so equal maps hash equally.
func JSON(d Domain, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value for digest: %w", err)
	}
	return Bytes(d, data), nil
}

// Valid reports whether s looks like a digest produced by this package.
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
