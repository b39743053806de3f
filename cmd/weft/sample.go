package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/weft/internal/api"
	"github.com/samcharles93/weft/internal/condition"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/node"
	"github.com/samcharles93/weft/internal/sampler"
	"github.com/samcharles93/weft/internal/sched"
	"github.com/samcharles93/weft/internal/stepcache"
	"github.com/samcharles93/weft/internal/tensor"
	"github.com/samcharles93/weft/internal/toy"
	"github.com/samcharles93/weft/internal/window"
)

// embedDim is the synthetic embedding width used by the CLI harness. Real
// deployments feed encoder output through the API instead.
const embedDim = 64

func sampleCmd() *cli.Command {
	var (
		prompts   []string
		negative  string
		width     int64
		height    int64
		frames    int64
		steps     int64
		shift     float64
		denoise   float64
		scheduler string
		seed      int64
		scale     float64
		backend   string
		output    string
		runFile   string

		ctxSchedule string
		ctxSize     int64
		ctxStride   int64
		ctxOverlap  int64
		freeNoise   bool

		cacheThreshold float64
	)

	return &cli.Command{
		Name:  "sample",
		Usage: "Run a sampling loop against the built-in test backend",
		Flags: append([]cli.Flag{
			&cli.StringSliceFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (repeat for travelling prompts)",
				Destination: &prompts,
			},
			&cli.StringFlag{
				Name:        "negative",
				Usage:       "negative prompt text",
				Destination: &negative,
			},
			&cli.Int64Flag{
				Name:        "width",
				Value:       832,
				Destination: &width,
			},
			&cli.Int64Flag{
				Name:        "height",
				Value:       480,
				Destination: &height,
			},
			&cli.Int64Flag{
				Name:        "frames",
				Usage:       "pixel frame count (must be 4n+1)",
				Value:       81,
				Destination: &frames,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Value:       30,
				Destination: &steps,
			},
			&cli.Float64Flag{
				Name:        "shift",
				Usage:       "sigma shift",
				Value:       5,
				Destination: &shift,
			},
			&cli.Float64Flag{
				Name:        "denoise",
				Usage:       "denoise strength (1 = from pure noise)",
				Value:       1,
				Destination: &denoise,
			},
			&cli.StringFlag{
				Name:        "scheduler",
				Usage:       "euler, dpm++, dpm++_sde, unipc",
				Value:       "unipc",
				Destination: &scheduler,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Value:       0,
				Destination: &seed,
			},
			&cli.Float64Flag{
				Name:        "scale",
				Usage:       "guidance scale",
				Value:       6,
				Destination: &scale,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "test backend (zero, constant)",
				Value:       "zero",
				Destination: &backend,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the final latent as raw float32 to this path",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "run",
				Usage:       "YAML run description keyed by node name; overrides the sampling flags",
				Destination: &runFile,
			},
			&cli.StringFlag{
				Name:        "context-schedule",
				Usage:       "window schedule (uniform_standard, uniform_looped, static_standard); empty disables windowing",
				Destination: &ctxSchedule,
			},
			&cli.Int64Flag{
				Name:        "context-size",
				Usage:       "window length in latent frames",
				Value:       16,
				Destination: &ctxSize,
			},
			&cli.Int64Flag{
				Name:        "context-stride",
				Value:       1,
				Destination: &ctxStride,
			},
			&cli.Int64Flag{
				Name:        "context-overlap",
				Value:       4,
				Destination: &ctxOverlap,
			},
			&cli.BoolFlag{
				Name:        "freenoise",
				Usage:       "shuffle initial noise across windows",
				Destination: &freeNoise,
			},
			&cli.Float64Flag{
				Name:        "cache-threshold",
				Usage:       "step cache threshold; 0 disables caching",
				Destination: &cacheThreshold,
			},
		}, loggingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySampleConfig(cmd, LoadConfig(), &steps, &shift, &scale, &seed, &scheduler)
			log := newLogger()

			var cfg sampler.Config
			if runFile != "" {
				var err error
				if cfg, err = loadRunFile(runFile); err != nil {
					return err
				}
			} else {
				kind, err := sched.ParseKind(scheduler)
				if err != nil {
					return err
				}
				geom, err := condition.GeometryFor(int(width), int(height), int(frames))
				if err != nil {
					return err
				}
				bundle, err := promptBundle(prompts, negative)
				if err != nil {
					return err
				}
				cfg = sampler.Config{
					Steps:     int(steps),
					Shift:     shift,
					Denoise:   denoise,
					Scheduler: kind,
					Seed:      seed,
					Scale:     scale,
					Bundle:    bundle,
					Geometry:  geom,
				}
				if ctxSchedule != "" {
					wkind, err := window.ParseKind(ctxSchedule)
					if err != nil {
						return err
					}
					cfg.Context = &sampler.ContextOptions{
						Kind:      wkind,
						Size:      int(ctxSize),
						Stride:    int(ctxStride),
						Overlap:   int(ctxOverlap),
						FreeNoise: freeNoise,
					}
				}
				if cacheThreshold > 0 {
					cfg.Cache = &stepcache.Options{Threshold: cacheThreshold, EndStep: -1}
				}
			}
			cfg.Progress = func(step, total int, _ *tensor.Video) bool {
				log.Debug("step done", "step", step, "total", total)
				return true
			}

			net, err := testBackend(backend)
			if err != nil {
				return err
			}
			s, err := sampler.New(model.Handle{
				Net:  net,
				Meta: model.Meta{Variant: model.TextToVideo, DType: "float32"},
			}, nil, log)
			if err != nil {
				return err
			}

			res, err := s.Run(ctx, cfg)
			if err != nil {
				return err
			}
			log.Info("sampling done",
				"shape", res.Latent.Shape(),
				"looped", res.Looped,
				"mean_abs", tensor.MeanAbs(res.Latent))

			if output != "" {
				if err := writeLatent(output, res.Latent); err != nil {
					return err
				}
				log.Info("latent written", "path", output)
			}
			return nil
		},
	}
}

// loadRunFile decodes a YAML run description keyed by node name and
// assembles it through the same node builders the job API uses.
func loadRunFile(path string) (sampler.Config, error) {
	var cfg sampler.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return cfg, err
	}
	var req api.JobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return cfg, err
	}
	return api.BuildConfig(node.Default(), req)
}

func testBackend(name string) (model.Predictor, error) {
	switch name {
	case "zero":
		return toy.ZeroTarget{}, nil
	case "constant":
		return &toy.Constant{Value: 1}, nil
	default:
		return nil, fmt.Errorf("unknown test backend %q", name)
	}
}

// promptBundle synthesizes deterministic embeddings from prompt text, so
// CLI runs are reproducible without a text encoder.
func promptBundle(prompts []string, negative string) (condition.Bundle, error) {
	if len(prompts) == 0 {
		prompts = []string{""}
	}
	var b condition.Bundle
	for _, p := range prompts {
		emb, err := syntheticEmbedding(p)
		if err != nil {
			return b, err
		}
		b.Positive = append(b.Positive, emb)
	}
	if negative != "" {
		emb, err := syntheticEmbedding(negative)
		if err != nil {
			return b, err
		}
		b.Negative = emb
	}
	return b, b.Validate()
}

func syntheticEmbedding(text string) (condition.Embedding, error) {
	tokens := len(strings.Fields(text))
	if tokens == 0 {
		tokens = 1
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	data := make([]float32, tokens*embedDim)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return condition.NewEmbedding(tokens, embedDim, data)
}

func writeLatent(path string, v *tensor.Video) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, v.Data); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}
