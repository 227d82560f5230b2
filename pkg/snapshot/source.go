package snapshot

import (
	"context"
	"slices"

	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
)

// Source reports the desired end servers. Fetch returns the full set on
// every call; an error means the set is unknown, not empty.
type Source interface {
	Fetch(ctx context.Context) ([]endserver.Descriptor, error)
}

// Static is a Source that always reports the same descriptors.
type Static []endserver.Descriptor

// Fetch returns a copy of the descriptors.
func (s Static) Fetch(context.Context) ([]endserver.Descriptor, error) {
	return slices.Clone([]endserver.Descriptor(s)), nil
}

// Func adapts a function to Source.
type Func func(ctx context.Context) ([]endserver.Descriptor, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context) ([]endserver.Descriptor, error) {
	return f(ctx)
}
