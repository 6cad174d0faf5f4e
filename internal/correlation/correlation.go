// Package correlation carries request correlation identifiers between the
// lockgov client, the HTTP transport and server-side logging.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"
)

// Header is the HTTP header carrying the correlation identifier.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With records id on ctx. Invalid identifiers leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// FromRequest returns the correlation ID sent with r, generating one when
// the header is missing or malformed.
func FromRequest(r *http.Request) string {
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return id
	}
	return Generate()
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new globally unique, sortable correlation identifier.
func Generate() string {
	return xid.New().String()
}
