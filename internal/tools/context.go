package tools

import (
	"context"

	"github.com/pkeller/valet-agent/internal/resolve"
)

type contextKey string

const listingKey contextKey = "listing"

// WithListing adds the session's current listing to the context. The
// turn controller sets this before each tool execution so tools that
// resolve references ("the second one") see the listing the user saw.
// A nil listing is ignored.
func WithListing(ctx context.Context, l *resolve.Listing) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, listingKey, l)
}

// ListingFromContext extracts the current listing from the context.
// Returns nil if no listing tool has run in the session.
func ListingFromContext(ctx context.Context) *resolve.Listing {
	if l, ok := ctx.Value(listingKey).(*resolve.Listing); ok {
		return l
	}
	return nil
}
