package bootstrap

import (
	"context"

	"github.com/ruokun-niu/drasi-server/types"
)

// Noop produces nothing: the query starts from an empty snapshot and sees
// only live events.
type Noop struct{}

// Name returns the provider tag.
func (Noop) Name() string { return ProviderNoop }

// Bootstrap completes immediately with no data and no watermark.
func (Noop) Bootstrap(context.Context, types.LabelFilter, func(context.Context, *types.Element) error) (uint64, error) {
	return 0, nil
}
