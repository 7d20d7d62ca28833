package catalog

import "context"

// Provider is an opaque metadata source. Lookup returns the provider's
// normalized result set for a free-form query. An empty (but non-error)
// result means the provider answered and found nothing.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, query string) (*Metadata, error)
}
