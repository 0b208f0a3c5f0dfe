package util

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a prefixed random identifier such as "anno_mfrgg...". The
// random part carries no ordering; listings break ties on the id only after
// the start offset.
func NewID(prefix string) string {
	buf := make([]byte, 15)
	_, _ = rand.Read(buf)
	id := strings.ToLower(idEncoding.EncodeToString(buf))
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
