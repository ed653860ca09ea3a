package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint computes a stable digest of a dependency set. Identical
// (package, version-range) pairs produce the identical fingerprint regardless
// of map iteration or declaration order. The empty set has a fingerprint too —
// dependency-free tools share one pooled environment per provider.
func Fingerprint(deps map[string]string) string {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(deps[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
