package snapshot

import (
	"context"
	"errors"
	"strings"
)

// Tiered keeps small snapshots in the primary store and spills blobs above threshold to
// the large store. Get routes on the reference format, so workers only need one Tiered value.
type Tiered struct {
	primary   Store
	large     Store
	threshold int
}

// NewTiered returns a Tiered store. A nil large store disables spilling.
func NewTiered(primary, large Store, threshold int) (*Tiered, error) {
	if primary == nil {
		return nil, errors.New("primary store is required")
	}
	return &Tiered{primary: primary, large: large, threshold: threshold}, nil
}

func (t *Tiered) Put(ctx context.Context, runID string, blob []byte) (string, error) {
	if t.large != nil && t.threshold > 0 && len(blob) > t.threshold {
		return t.large.Put(ctx, runID, blob)
	}
	return t.primary.Put(ctx, runID, blob)
}

func (t *Tiered) Get(ctx context.Context, ref string) ([]byte, error) {
	if t.large != nil && strings.HasPrefix(ref, objectRefScheme) {
		return t.large.Get(ctx, ref)
	}
	return t.primary.Get(ctx, ref)
}

var _ Store = (*Tiered)(nil)
