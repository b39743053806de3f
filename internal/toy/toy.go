// Package toy provides deterministic stand-in predictors for tests and the
// CLI harness. They follow the real network's contract (shape-preserving,
// context-aware) without any weights behind them.
package toy

import (
	"context"

	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/tensor"
)

// Constant predicts the same vector field everywhere. With velocity
// prediction this drives every sample toward latent - Value, which makes
// trajectories easy to verify in closed form.
type Constant struct {
	Value float32
}

func (c *Constant) Predict(ctx context.Context, in model.PredictInput) (*tensor.Video, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := tensor.NewVideo(in.Latent.C, in.Latent.T, in.Latent.H, in.Latent.W)
	for i := range out.Data {
		out.Data[i] = c.Value
	}
	return out, nil
}

func (c *Constant) PredictPair(ctx context.Context, cond, uncond model.PredictInput) (*tensor.Video, *tensor.Video, error) {
	a, err := c.Predict(ctx, cond)
	if err != nil {
		return nil, nil, err
	}
	b, err := c.Predict(ctx, uncond)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// ZeroTarget predicts the velocity that carries the sample toward the zero
// latent: v = x / sigma in the flow-matching parameterisation. Sampling
// with it contracts any noise toward zero, which exercises every step rule
// with a non-constant field.
type ZeroTarget struct{}

func (ZeroTarget) Predict(ctx context.Context, in model.PredictInput) (*tensor.Video, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sigma := in.Timestep / 1000
	if sigma <= 0 {
		return tensor.NewVideo(in.Latent.C, in.Latent.T, in.Latent.H, in.Latent.W), nil
	}
	out := in.Latent.Clone()
	tensor.Scale(out, float32(1/sigma))
	return out, nil
}
