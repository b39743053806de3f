package node

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weft/internal/condition"
	"github.com/samcharles93/weft/internal/guidance"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/offload"
	"github.com/samcharles93/weft/internal/sampler"
	"github.com/samcharles93/weft/internal/sched"
	"github.com/samcharles93/weft/internal/stepcache"
	"github.com/samcharles93/weft/internal/window"
)

func builtins() []Builder {
	return []Builder{
		contextNode{},
		stepCacheNode{},
		skipGuidanceNode{},
		flowEditNode{},
		loopNode{},
		enhanceNode{},
		blockSwapNode{},
		autoOffloadNode{},
		emptyEmbedsNode{},
		imageEmbedsNode{},
		controlEmbedsNode{},
		textEmbedsNode{},
		samplerNode{},
	}
}

// contextNode builds sampler.ContextOptions.
type contextNode struct{}

func (contextNode) Spec() Spec {
	return Spec{
		Name:        "context_options",
		Category:    "sampling",
		Description: "Overlapping temporal windows for videos longer than the network's native context.",
		Params: []Param{
			{Name: "schedule", Type: "string", Default: "uniform_standard",
				Options: []string{"uniform_standard", "uniform_looped", "static_standard"}},
			{Name: "size", Type: "int", Default: 81},
			{Name: "stride", Type: "int", Default: 4},
			{Name: "overlap", Type: "int", Default: 16},
			{Name: "freenoise", Type: "bool", Default: true},
			{Name: "image_cond_start_step", Type: "int", Default: 0},
			{Name: "image_cond_window_count", Type: "int", Default: 0},
		},
		Outputs: []Port{{Name: "context_options", Type: "WEFTCONTEXT"}},
	}
}

func (contextNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		Schedule             string `json:"schedule"`
		Size                 int    `json:"size"`
		Stride               int    `json:"stride"`
		Overlap              int    `json:"overlap"`
		FreeNoise            bool   `json:"freenoise"`
		ImageCondStartStep   int    `json:"image_cond_start_step"`
		ImageCondWindowCount int    `json:"image_cond_window_count"`
	}
	p.Schedule, p.Size, p.Stride, p.Overlap, p.FreeNoise = "uniform_standard", 81, 4, 16, true
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	kind, err := window.ParseKind(p.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	if p.Size <= 0 || p.Overlap < 0 || p.Overlap >= p.Size || p.Stride < 1 {
		return nil, fmt.Errorf("%w: size=%d stride=%d overlap=%d", ErrBadParams, p.Size, p.Stride, p.Overlap)
	}
	return &sampler.ContextOptions{
		Kind:                 kind,
		Size:                 p.Size,
		Stride:               p.Stride,
		Overlap:              p.Overlap,
		FreeNoise:            p.FreeNoise,
		ImageCondStartStep:   p.ImageCondStartStep,
		ImageCondWindowCount: p.ImageCondWindowCount,
	}, nil
}

// stepCacheNode builds stepcache.Options.
type stepCacheNode struct{}

func (stepCacheNode) Spec() Spec {
	return Spec{
		Name:        "step_cache",
		Category:    "sampling",
		Description: "Skip network evaluations when consecutive steps are numerically similar.",
		Params: []Param{
			{Name: "threshold", Type: "float", Default: 0.15},
			{Name: "start_step", Type: "int", Default: 0},
			{Name: "end_step", Type: "int", Default: -1},
			{Name: "coefficients", Type: "float[]"},
		},
		Outputs: []Port{{Name: "cache_options", Type: "WEFTCACHE"}},
	}
}

func (stepCacheNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		Threshold    float64   `json:"threshold"`
		StartStep    int       `json:"start_step"`
		EndStep      int       `json:"end_step"`
		Coefficients []float64 `json:"coefficients"`
	}
	p.Threshold, p.EndStep = 0.15, -1
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Threshold < 0 || math.IsNaN(p.Threshold) {
		return nil, fmt.Errorf("%w: threshold %v", ErrBadParams, p.Threshold)
	}
	if p.StartStep < 0 || (p.EndStep >= 0 && p.EndStep < p.StartStep) {
		return nil, fmt.Errorf("%w: step range [%d, %d)", ErrBadParams, p.StartStep, p.EndStep)
	}
	return &stepcache.Options{
		Threshold:    p.Threshold,
		StartStep:    p.StartStep,
		EndStep:      p.EndStep,
		Coefficients: p.Coefficients,
	}, nil
}

// skipGuidanceNode builds guidance.SkipOptions.
type skipGuidanceNode struct{}

func (skipGuidanceNode) Spec() Spec {
	return Spec{
		Name:        "skip_layer_guidance",
		Category:    "guidance",
		Description: "Bypass the unconditional pass on selected transformer blocks within a step range.",
		Params: []Param{
			{Name: "blocks", Type: "int[]", Default: []int{9}},
			{Name: "start_percent", Type: "float", Default: 0.0},
			{Name: "end_percent", Type: "float", Default: 1.0},
		},
		Outputs: []Port{{Name: "slg_options", Type: "WEFTSLG"}},
	}
}

func (skipGuidanceNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		Blocks       []int   `json:"blocks"`
		StartPercent float64 `json:"start_percent"`
		EndPercent   float64 `json:"end_percent"`
	}
	p.Blocks, p.EndPercent = []int{9}, 1
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := percentRange(p.StartPercent, p.EndPercent); err != nil {
		return nil, err
	}
	return &guidance.SkipOptions{Blocks: p.Blocks, StartPercent: p.StartPercent, EndPercent: p.EndPercent}, nil
}

// flowEditNode builds sampler.FlowEditOptions; the source prompt bundle is
// wired in from a text-embed input, not a parameter.
type flowEditNode struct{}

func (flowEditNode) Spec() Spec {
	return Spec{
		Name:        "flowedit_options",
		Category:    "sampling",
		Description: "Dual-trajectory editing: advance the target by the difference of two guided fields.",
		Params: []Param{
			{Name: "skip_steps", Type: "int", Default: 4},
			{Name: "drift_steps", Type: "int", Default: 0},
			{Name: "drift_shift", Type: "float", Default: 3.0},
			{Name: "source_scale", Type: "float", Default: 2.0},
			{Name: "drift_scale", Type: "float", Default: 5.0},
		},
		Inputs:  []Port{{Name: "source_embeds", Type: "WEFTTEXTEMBEDS"}},
		Outputs: []Port{{Name: "flowedit_options", Type: "WEFTFLOWEDIT"}},
	}
}

func (flowEditNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		SkipSteps   int     `json:"skip_steps"`
		DriftSteps  int     `json:"drift_steps"`
		DriftShift  float64 `json:"drift_shift"`
		SourceScale float64 `json:"source_scale"`
		DriftScale  float64 `json:"drift_scale"`
	}
	p.SkipSteps, p.DriftShift, p.SourceScale, p.DriftScale = 4, 3, 2, 5
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.SkipSteps < 0 || p.DriftSteps < 0 {
		return nil, fmt.Errorf("%w: negative step counts", ErrBadParams)
	}
	return &sampler.FlowEditOptions{
		SkipSteps:   p.SkipSteps,
		DriftSteps:  p.DriftSteps,
		DriftShift:  p.DriftShift,
		SourceScale: p.SourceScale,
		DriftScale:  p.DriftScale,
	}, nil
}

// loopNode builds sampler.LoopOptions.
type loopNode struct{}

func (loopNode) Spec() Spec {
	return Spec{
		Name:        "loop_options",
		Category:    "sampling",
		Description: "Latent-shift looping for seamless video loops.",
		Params: []Param{
			{Name: "shift_skip", Type: "int", Default: 6},
			{Name: "start_percent", Type: "float", Default: 0.0},
			{Name: "end_percent", Type: "float", Default: 1.0},
		},
		Outputs: []Port{{Name: "loop_options", Type: "WEFTLOOP"}},
	}
}

func (loopNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		ShiftSkip    int     `json:"shift_skip"`
		StartPercent float64 `json:"start_percent"`
		EndPercent   float64 `json:"end_percent"`
	}
	p.ShiftSkip, p.EndPercent = 6, 1
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ShiftSkip <= 0 {
		return nil, fmt.Errorf("%w: shift_skip must be positive", ErrBadParams)
	}
	if err := percentRange(p.StartPercent, p.EndPercent); err != nil {
		return nil, err
	}
	return &sampler.LoopOptions{ShiftSkip: p.ShiftSkip, StartPercent: p.StartPercent, EndPercent: p.EndPercent}, nil
}

// enhanceNode builds model.EnhanceOptions, threaded per call rather than
// toggled globally.
type enhanceNode struct{}

func (enhanceNode) Spec() Spec {
	return Spec{
		Name:        "enhance_options",
		Category:    "guidance",
		Description: "Attention enhancement weight over a fractional step range.",
		Params: []Param{
			{Name: "weight", Type: "float", Default: 2.0},
			{Name: "start_percent", Type: "float", Default: 0.0},
			{Name: "end_percent", Type: "float", Default: 1.0},
		},
		Outputs: []Port{{Name: "enhance_options", Type: "WEFTENHANCE"}},
	}
}

func (enhanceNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		Weight       float64 `json:"weight"`
		StartPercent float64 `json:"start_percent"`
		EndPercent   float64 `json:"end_percent"`
	}
	p.Weight, p.EndPercent = 2, 1
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := percentRange(p.StartPercent, p.EndPercent); err != nil {
		return nil, err
	}
	return &model.EnhanceOptions{Weight: p.Weight, StartPercent: p.StartPercent, EndPercent: p.EndPercent}, nil
}

// blockSwapNode builds offload.BlockSwapOptions.
type blockSwapNode struct{}

func (blockSwapNode) Spec() Spec {
	return Spec{
		Name:        "block_swap",
		Category:    "memory",
		Description: "Keep the tail transformer blocks in host memory and stream them per step.",
		Params: []Param{
			{Name: "blocks", Type: "int", Default: 20},
			{Name: "offload_txt_emb", Type: "bool", Default: false},
			{Name: "offload_img_emb", Type: "bool", Default: false},
		},
		Outputs: []Port{{Name: "block_swap", Type: "WEFTBLOCKSWAP"}},
	}
}

func (blockSwapNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		Blocks        int  `json:"blocks"`
		OffloadTxtEmb bool `json:"offload_txt_emb"`
		OffloadImgEmb bool `json:"offload_img_emb"`
	}
	p.Blocks = 20
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Blocks < 0 {
		return nil, fmt.Errorf("%w: negative block count", ErrBadParams)
	}
	return &offload.BlockSwapOptions{
		Blocks:          p.Blocks,
		OffloadTextEmb:  p.OffloadTxtEmb,
		OffloadImageEmb: p.OffloadImgEmb,
	}, nil
}

// autoOffloadNode builds offload.AutoOptions.
type autoOffloadNode struct{}

func (autoOffloadNode) Spec() Spec {
	return Spec{
		Name:        "auto_offload",
		Category:    "memory",
		Description: "Offload every module after use and reload on demand.",
		Params:      []Param{{Name: "non_blocking", Type: "bool", Default: true}},
		Outputs:     []Port{{Name: "auto_offload", Type: "WEFTAUTOOFFLOAD"}},
	}
}

func (autoOffloadNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		NonBlocking bool `json:"non_blocking"`
	}
	p.NonBlocking = true
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return &offload.AutoOptions{NonBlocking: p.NonBlocking}, nil
}

// emptyEmbedsNode resolves the latent geometry for a text-to-video run.
type emptyEmbedsNode struct{}

func (emptyEmbedsNode) Spec() Spec {
	return Spec{
		Name:        "empty_embeds",
		Category:    "conditioning",
		Description: "Latent geometry and sequence length for a pixel-space target size.",
		Params: []Param{
			{Name: "width", Type: "int", Default: 832},
			{Name: "height", Type: "int", Default: 480},
			{Name: "frames", Type: "int", Default: 81},
		},
		Outputs: []Port{{Name: "geometry", Type: "WEFTGEOMETRY"}},
	}
}

func (emptyEmbedsNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		Width  int `json:"width"`
		Height int `json:"height"`
		Frames int `json:"frames"`
	}
	p.Width, p.Height, p.Frames = 832, 480, 81
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	g, err := condition.GeometryFor(p.Width, p.Height, p.Frames)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return &g, nil
}

// imageEmbedsNode builds the activation range for image conditioning; the
// encoded latent and clip embedding arrive through input ports when the
// graph is wired.
type imageEmbedsNode struct{}

func (imageEmbedsNode) Spec() Spec {
	return Spec{
		Name:        "image_embeds",
		Category:    "conditioning",
		Description: "Image conditioning activation range for image-to-video runs.",
		Params: []Param{
			{Name: "start_percent", Type: "float", Default: 0.0},
			{Name: "end_percent", Type: "float", Default: 1.0},
		},
		Inputs: []Port{
			{Name: "latent", Type: "WEFTLATENT"},
			{Name: "clip_embed", Type: "WEFTTEXTEMBEDS"},
		},
		Outputs: []Port{{Name: "image_embeds", Type: "WEFTIMAGEEMBEDS"}},
	}
}

func (imageEmbedsNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		StartPercent float64 `json:"start_percent"`
		EndPercent   float64 `json:"end_percent"`
	}
	p.EndPercent = 1
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := percentRange(p.StartPercent, p.EndPercent); err != nil {
		return nil, err
	}
	return &condition.Image{StartPercent: p.StartPercent, EndPercent: p.EndPercent}, nil
}

// controlEmbedsNode builds the activation range for control conditioning.
type controlEmbedsNode struct{}

func (controlEmbedsNode) Spec() Spec {
	return Spec{
		Name:        "control_embeds",
		Category:    "conditioning",
		Description: "Control signal activation range (vace-style latent control).",
		Params: []Param{
			{Name: "start_percent", Type: "float", Default: 0.0},
			{Name: "end_percent", Type: "float", Default: 1.0},
		},
		Inputs:  []Port{{Name: "latent", Type: "WEFTLATENT"}},
		Outputs: []Port{{Name: "control_embeds", Type: "WEFTCONTROLEMBEDS"}},
	}
}

func (controlEmbedsNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		StartPercent float64 `json:"start_percent"`
		EndPercent   float64 `json:"end_percent"`
	}
	p.EndPercent = 1
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := percentRange(p.StartPercent, p.EndPercent); err != nil {
		return nil, err
	}
	return &condition.Control{StartPercent: p.StartPercent, EndPercent: p.EndPercent}, nil
}

// textEmbedsNode bridges encoder output into a conditioning bundle.
type textEmbedsNode struct{}

func (textEmbedsNode) Spec() Spec {
	return Spec{
		Name:        "text_embeds",
		Category:    "conditioning",
		Description: "Bundle positive (per-section) and negative prompt embeddings.",
		Params: []Param{
			{Name: "dim", Type: "int", Default: 4096},
			{Name: "positive", Type: "float[][]"},
			{Name: "negative", Type: "float[]"},
		},
		Outputs: []Port{{Name: "text_embeds", Type: "WEFTTEXTEMBEDS"}},
	}
}

func (textEmbedsNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		Dim      int         `json:"dim"`
		Positive [][]float32 `json:"positive"`
		Negative []float32   `json:"negative"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Dim <= 0 {
		return nil, fmt.Errorf("%w: dim must be positive", ErrBadParams)
	}
	bundle := condition.Bundle{}
	for i, data := range p.Positive {
		emb, err := embed(p.Dim, data)
		if err != nil {
			return nil, fmt.Errorf("positive prompt %d: %w", i, err)
		}
		bundle.Positive = append(bundle.Positive, emb)
	}
	if p.Negative != nil {
		emb, err := embed(p.Dim, p.Negative)
		if err != nil {
			return nil, fmt.Errorf("negative prompt: %w", err)
		}
		bundle.Negative = emb
	}
	if err := bundle.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return &bundle, nil
}

func embed(dim int, data []float32) (condition.Embedding, error) {
	if len(data) == 0 || len(data)%dim != 0 {
		return condition.Embedding{}, fmt.Errorf("%w: %d values do not tile dim %d", ErrBadParams, len(data), dim)
	}
	return condition.NewEmbedding(len(data)/dim, dim, data)
}

// samplerNode builds the core run parameters; option inputs from the other
// nodes are attached by the caller when wiring the graph.
type samplerNode struct{}

func (samplerNode) Spec() Spec {
	return Spec{
		Name:        "sampler",
		Category:    "sampling",
		Description: "Denoising loop over the resolved timestep schedule.",
		Params: []Param{
			{Name: "steps", Type: "int", Default: 30},
			{Name: "shift", Type: "float", Default: 5.0},
			{Name: "denoise", Type: "float", Default: 1.0},
			{Name: "scheduler", Type: "string", Default: "unipc",
				Options: []string{"euler", "dpm++", "dpm++_sde", "unipc"}},
			{Name: "seed", Type: "int", Default: 0},
			{Name: "scale", Type: "float", Default: 6.0},
			{Name: "scales", Type: "float[]"},
			{Name: "riflex_freq", Type: "int", Default: 0},
		},
		Inputs: []Port{
			{Name: "model", Type: "WEFTMODEL"},
			{Name: "text_embeds", Type: "WEFTTEXTEMBEDS"},
			{Name: "geometry", Type: "WEFTGEOMETRY"},
			{Name: "image_embeds", Type: "WEFTIMAGEEMBEDS"},
			{Name: "control_embeds", Type: "WEFTCONTROLEMBEDS"},
			{Name: "context_options", Type: "WEFTCONTEXT"},
			{Name: "cache_options", Type: "WEFTCACHE"},
			{Name: "slg_options", Type: "WEFTSLG"},
			{Name: "flowedit_options", Type: "WEFTFLOWEDIT"},
			{Name: "loop_options", Type: "WEFTLOOP"},
			{Name: "enhance_options", Type: "WEFTENHANCE"},
			{Name: "block_swap", Type: "WEFTBLOCKSWAP"},
			{Name: "auto_offload", Type: "WEFTAUTOOFFLOAD"},
		},
		Outputs: []Port{{Name: "samples", Type: "WEFTLATENT"}},
	}
}

func (samplerNode) Build(raw json.RawMessage) (any, error) {
	var p struct {
		Steps      int       `json:"steps"`
		Shift      float64   `json:"shift"`
		Denoise    float64   `json:"denoise"`
		Scheduler  string    `json:"scheduler"`
		Seed       int64     `json:"seed"`
		Scale      float64   `json:"scale"`
		Scales     []float64 `json:"scales"`
		RiflexFreq int       `json:"riflex_freq"`
	}
	p.Steps, p.Shift, p.Denoise, p.Scheduler, p.Scale = 30, 5, 1, "unipc", 6
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	kind, err := sched.ParseKind(p.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	if p.Steps <= 0 {
		return nil, fmt.Errorf("%w: steps must be positive", ErrBadParams)
	}
	if p.Scales != nil && len(p.Scales) != p.Steps {
		return nil, fmt.Errorf("%w: %d scales for %d steps", ErrBadParams, len(p.Scales), p.Steps)
	}
	return &sampler.Config{
		Steps:      p.Steps,
		Shift:      p.Shift,
		Denoise:    p.Denoise,
		Scheduler:  kind,
		Seed:       p.Seed,
		Scale:      p.Scale,
		Scales:     p.Scales,
		RiflexFreq: p.RiflexFreq,
	}, nil
}

func percentRange(start, end float64) error {
	if start < 0 || end > 1 || start > end {
		return fmt.Errorf("%w: percent range [%v, %v]", ErrBadParams, start, end)
	}
	return nil
}
