// Package idgen generates prefixed random identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the entity ids handed out by this service.
const (
	User    = "usr_"
	Request = "req_"
	Package = "pkg_"
	Trip    = "trip_"
	Refund  = "rfd_"
	Entry   = "ent_"
	Event   = "evt_"
	Payment = "pay_"
)

// New returns prefix followed by 32 hex chars from a random UUID.
func New(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was minted with prefix and has a well-formed body.
func HasPrefix(id, prefix string) bool {
	body, ok := strings.CutPrefix(id, prefix)
	if !ok || len(body) != 32 {
		return false
	}
	_, err := uuid.Parse(body)
	return err == nil
}
