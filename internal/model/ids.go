package model

import (
	"strings"

	"github.com/google/uuid"
)

// Namespace scopes every derived identifier
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/goonerstrike/belief-engine"))

// DeriveID returns a stable name-based (v5) UUID for the given parts.
// The same parts always yield the same id, so reruns reproduce ids.
func DeriveID(parts ...string) string {
	return uuid.NewSHA1(Namespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// NewRunID returns a fresh random run identifier
func NewRunID() string {
	return uuid.NewString()
}
