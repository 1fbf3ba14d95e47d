package builtin

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/rendis/enact/pkg/schema"
)

// hashFunc returns a new hash.Hash for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// NewHashActivity returns "crypto.hash": the hex digest of the "data" input
// using "algorithm" (default sha256).
func NewHashActivity() *Activity {
	return newActivity("crypto.hash", []string{"data", "algorithm"}, []string{"digest"},
		func(_ context.Context, in inputs) (map[string]any, error) {
			data, err := in.text("data", "")
			if err != nil {
				return nil, err
			}
			algorithm, err := in.text("algorithm", "sha256")
			if err != nil {
				return nil, err
			}
			newHash, err := hashFunc(algorithm)
			if err != nil {
				return nil, err
			}
			h := newHash()
			h.Write([]byte(data))
			return map[string]any{"digest": hex.EncodeToString(h.Sum(nil))}, nil
		})
}
