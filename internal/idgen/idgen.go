// Package idgen generates identifiers: time-ordered payment references and
// random prefixed IDs for secondary records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ReferencePrefix marks internally generated payment references.
const ReferencePrefix = "pay_"

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// Reference generates a payment reference. References embed a UUIDv7 so they
// sort by creation time in indexes and logs.
func Reference() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return ReferencePrefix + strings.ReplaceAll(id.String(), "-", "")
}

// IsReference reports whether s looks like a reference produced by Reference.
func IsReference(s string) bool {
	raw, ok := strings.CutPrefix(s, ReferencePrefix)
	if !ok || len(raw) != 32 {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}

// WithPrefix generates a random ID with a prefix (e.g. "sub_", "cme_", "po_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
