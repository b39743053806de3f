package guidance

import (
	"context"
	"math"
	"testing"

	"github.com/samcharles93/weft/internal/condition"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/stepcache"
	"github.com/samcharles93/weft/internal/tensor"
)

// recorder is a mock network: the prediction is a constant field equal to
// the first value of the prompt embedding, so branches are told apart by
// their conditioning.
type recorder struct {
	calls []model.PredictInput
}

func (r *recorder) Predict(_ context.Context, in model.PredictInput) (*tensor.Video, error) {
	r.calls = append(r.calls, in)
	out := tensor.NewVideo(in.Latent.C, in.Latent.T, in.Latent.H, in.Latent.W)
	for i := range out.Data {
		out.Data[i] = in.Cond.Data[0]
	}
	return out, nil
}

type pairRecorder struct {
	recorder
	pairCalls int
}

func (p *pairRecorder) PredictPair(ctx context.Context, cond, uncond model.PredictInput) (*tensor.Video, *tensor.Video, error) {
	p.pairCalls++
	a, _ := p.recorder.Predict(ctx, cond)
	b, _ := p.recorder.Predict(ctx, uncond)
	return a, b, nil
}

func embWith(v float32) condition.Embedding {
	return condition.Embedding{Tokens: 1, Dim: 4, Data: []float32{v, v, v, v}}
}

func baseRequest() Request {
	return Request{
		Latent:     tensor.NewVideo(2, 2, 2, 2),
		Cond:       embWith(3),
		Uncond:     embWith(1),
		Timestep:   500,
		Step:       2,
		TotalSteps: 10,
		Scale:      6,
		Window:     stepcache.NoWindow,
	}
}

func TestCombineFormula(t *testing.T) {
	net := &recorder{}
	out, err := New(net).Predict(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	// uncond + scale*(cond-uncond) = 1 + 6*(3-1) = 13
	for _, v := range out.Data {
		if v != 13 {
			t.Fatalf("guided value %v, want 13", v)
		}
	}
	if len(net.calls) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(net.calls))
	}
}

func TestUnitScaleFastPath(t *testing.T) {
	net := &recorder{}
	req := baseRequest()
	req.Scale = 1
	fast, err := New(net).Predict(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(net.calls) != 1 {
		t.Fatalf("fast path ran %d evaluations, want 1", len(net.calls))
	}

	// Equivalence with the full two-branch combination at scale 1:
	// uncond + 1*(cond - uncond) == cond.
	condOut, _ := (&recorder{}).Predict(context.Background(), model.PredictInput{Latent: req.Latent, Cond: req.Cond})
	if d := tensor.MaxAbsDiff(fast, condOut); d > 1e-6 {
		t.Fatalf("fast path diverges from two-branch result by %v", d)
	}
}

func TestSkipBlocksThreading(t *testing.T) {
	net := &recorder{}
	req := baseRequest()
	req.Skip = SkipOptions{Blocks: []int{9, 10}, StartPercent: 0, EndPercent: 0.5}

	if _, err := New(net).Predict(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	condIn, uncondIn := net.calls[0], net.calls[1]
	if condIn.SkipUncondBlocks != nil {
		t.Fatal("conditional branch received skip blocks")
	}
	if len(uncondIn.SkipUncondBlocks) != 2 {
		t.Fatalf("unconditional branch got %v, want the configured blocks", uncondIn.SkipUncondBlocks)
	}

	// Outside the activation range nothing is threaded.
	net.calls = nil
	req.Step = 8
	if _, err := New(net).Predict(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if net.calls[1].SkipUncondBlocks != nil {
		t.Fatalf("skip blocks active outside range: %v", net.calls[1].SkipUncondBlocks)
	}
}

func TestCacheSkipsBothBranches(t *testing.T) {
	net := &recorder{}
	comp := New(net)
	cache := stepcache.New(stepcache.Options{Threshold: math.Inf(1), EndStep: -1}, 4)

	var last *tensor.Video
	for step := 0; step < 4; step++ {
		req := baseRequest()
		req.Step = step
		req.Timestep = 1000 - 250*float64(step)
		req.Cache = cache
		out, err := comp.Predict(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		last = out
	}
	// Only the priming step evaluates; all later steps reuse residuals.
	if len(net.calls) != 2 {
		t.Fatalf("network evaluated %d times, want 2", len(net.calls))
	}
	for _, v := range last.Data {
		if v != 13 {
			t.Fatalf("cached replay changed the guided value: %v", v)
		}
	}
	if cache.TotalSkips() != 6 {
		t.Fatalf("TotalSkips = %d, want 6", cache.TotalSkips())
	}
}

func TestBatchedPair(t *testing.T) {
	net := &pairRecorder{}
	out, err := New(net).Predict(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if net.pairCalls != 1 {
		t.Fatalf("pair calls = %d, want 1", net.pairCalls)
	}
	for _, v := range out.Data {
		if v != 13 {
			t.Fatalf("batched guided value %v, want 13", v)
		}
	}
}

func TestBranchPrefixIsolation(t *testing.T) {
	net := &recorder{}
	comp := New(net)
	cache := stepcache.New(stepcache.Options{Threshold: math.Inf(1), EndStep: -1}, 2)

	// Two trajectories share one cache but use distinct branch prefixes,
	// so each primes its own lanes.
	for _, branch := range []string{"src/", "tgt/"} {
		req := baseRequest()
		req.Cache = cache
		req.Branch = branch
		if _, err := comp.Predict(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if len(net.calls) != 4 {
		t.Fatalf("expected both trajectories to prime separately, got %d calls", len(net.calls))
	}
}
