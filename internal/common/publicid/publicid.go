// Package publicid generates the externally visible identifiers used across
// the API: a short type prefix joined to a ULID, e.g. pay_01HV2R....
// Public IDs are stable and never reused.
package publicid

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// Known prefixes.
const (
	PrefixPayment       = "pay"
	PrefixInvoice       = "inv"
	PrefixPaymentMethod = "pm"
)

// New generates a public ID with the given prefix.
func New(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// HasPrefix reports whether id carries the expected prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}

// Prefix extracts the type prefix from a public ID, or "" if malformed.
func Prefix(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return ""
	}
	return id[:i]
}
