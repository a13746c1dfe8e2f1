package receipt

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewFolio returns a human-readable receipt number such as RC-20261015-7ZK3M2QD.
// It is generated once per receipt and persisted with it.
func NewFolio(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	return "RC-" + now.UTC().Format("20060102") + "-" + strings.ToUpper(id[len(id)-8:])
}

// PlaceholderID stands in for a receipt whose canonical row does not exist yet.
func PlaceholderID(ref string) string {
	return "RCPT-" + ref
}

// IsPlaceholder reports whether id was produced by PlaceholderID.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, "RCPT-")
}
