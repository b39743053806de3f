// Package offload coordinates moving network weight blocks between the
// accelerator and host memory so oversized models fit device limits. The
// discipline is cooperative: the single sampling thread calls the step
// hooks, and only blocks not in flight for the current step migrate.
package offload

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/weft/internal/logger"
)

var (
	ErrConflictingPolicies = errors.New("block-swap and auto offload are mutually exclusive")
	ErrTooManyBlocks       = errors.New("more swap blocks requested than the model has")
)

// BlockSwapOptions keeps the last Blocks transformer blocks in host memory
// and streams them in as each step reaches them.
type BlockSwapOptions struct {
	Blocks          int
	OffloadTextEmb  bool
	OffloadImageEmb bool
}

// AutoOptions offloads every module after use and reloads on demand.
type AutoOptions struct {
	NonBlocking bool
}

// Swapper is the backend's migration interface. Calls are blocking and
// atomic from the loop's point of view.
type Swapper interface {
	SwapIn(ctx context.Context, blocks []int) error
	SwapOut(ctx context.Context, blocks []int) error
}

// Manager applies one offload policy across a sampling run.
type Manager struct {
	blockSwap *BlockSwapOptions
	auto      *AutoOptions
	total     int
	swapped   []int
	log       logger.Logger
}

// NewManager validates the policy selection. Both options nil is valid and
// yields a no-op manager.
func NewManager(bs *BlockSwapOptions, auto *AutoOptions, totalBlocks int, log logger.Logger) (*Manager, error) {
	if bs != nil && auto != nil {
		return nil, ErrConflictingPolicies
	}
	if bs != nil {
		if bs.Blocks < 0 || bs.Blocks > totalBlocks {
			return nil, fmt.Errorf("%w: %d of %d", ErrTooManyBlocks, bs.Blocks, totalBlocks)
		}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{blockSwap: bs, auto: auto, total: totalBlocks, log: log}, nil
}

// Policy names the active policy for diagnostics.
func (m *Manager) Policy() string {
	switch {
	case m.blockSwap != nil:
		return "block-swap"
	case m.auto != nil:
		return "auto"
	default:
		return "none"
	}
}

// Prepare performs the initial migration before step 0: under block-swap
// the tail blocks move to host memory. It also sanity-checks the host
// memory budget when the platform exposes one.
func (m *Manager) Prepare(ctx context.Context, sw Swapper, blockBytes int64) error {
	if m.blockSwap == nil || m.blockSwap.Blocks == 0 || sw == nil {
		return nil
	}

	need := uint64(blockBytes) * uint64(m.blockSwap.Blocks)
	if free, ok := hostMemFree(); ok && need > free {
		m.log.Warn("block-swap budget exceeds free host memory",
			"need_bytes", need, "free_bytes", free)
	}

	m.swapped = make([]int, m.blockSwap.Blocks)
	for i := range m.swapped {
		m.swapped[i] = m.total - m.blockSwap.Blocks + i
	}
	if err := sw.SwapOut(ctx, m.swapped); err != nil {
		return fmt.Errorf("initial swap-out: %w", err)
	}
	m.log.Info("block-swap prepared",
		"blocks", m.blockSwap.Blocks,
		"offload_txt_emb", m.blockSwap.OffloadTextEmb,
		"offload_img_emb", m.blockSwap.OffloadImageEmb)
	return nil
}

// BeginStep streams the swapped blocks in for the step's evaluations.
func (m *Manager) BeginStep(ctx context.Context, sw Swapper, step int) error {
	if len(m.swapped) == 0 || sw == nil {
		return nil
	}
	if err := sw.SwapIn(ctx, m.swapped); err != nil {
		return fmt.Errorf("step %d swap-in: %w", step, err)
	}
	return nil
}

// EndStep returns the swapped blocks to host memory once the step's
// evaluations are done.
func (m *Manager) EndStep(ctx context.Context, sw Swapper, step int) error {
	if len(m.swapped) == 0 || sw == nil {
		return nil
	}
	if err := sw.SwapOut(ctx, m.swapped); err != nil {
		return fmt.Errorf("step %d swap-out: %w", step, err)
	}
	return nil
}
