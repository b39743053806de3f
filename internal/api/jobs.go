package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/weft/internal/condition"
	"github.com/samcharles93/weft/internal/guidance"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/node"
	"github.com/samcharles93/weft/internal/offload"
	"github.com/samcharles93/weft/internal/sampler"
	"github.com/samcharles93/weft/internal/stepcache"
	"github.com/samcharles93/weft/internal/tensor"
)

// Job statuses. A job moves queued -> running -> one terminal state.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
)

// progressInterval bounds how often a running job's step counter is
// published; the terminal update always lands.
const progressInterval = 250 * time.Millisecond

// JobRequest names each option by its node, so the same parameter shapes
// drive both the graph host and the HTTP API. text_embeds and
// empty_embeds are required; the rest default to off.
type JobRequest struct {
	Sampler  json.RawMessage `json:"sampler"`
	Geometry json.RawMessage `json:"empty_embeds"`
	Text     json.RawMessage `json:"text_embeds"`

	Context     json.RawMessage `json:"context_options,omitempty"`
	Cache       json.RawMessage `json:"step_cache,omitempty"`
	Skip        json.RawMessage `json:"skip_layer_guidance,omitempty"`
	Loop        json.RawMessage `json:"loop_options,omitempty"`
	Enhance     json.RawMessage `json:"enhance_options,omitempty"`
	BlockSwap   json.RawMessage `json:"block_swap,omitempty"`
	AutoOffload json.RawMessage `json:"auto_offload,omitempty"`
}

// JobResponse is the polled view of a job.
type JobResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Status    string `json:"status"`
	Step      int    `json:"step"`
	Total     int    `json:"total"`
	Looped    bool   `json:"looped,omitempty"`
	Shape     []int  `json:"shape,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Job is one asynchronous sampling run.
type Job struct {
	mu        sync.Mutex
	id        string
	status    string
	step      int
	total     int
	looped    bool
	shape     []int
	errMsg    string
	createdAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) snapshot() JobResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobResponse{
		ID:        j.id,
		Object:    "job",
		Status:    j.status,
		Step:      j.step,
		Total:     j.total,
		Looped:    j.looped,
		Shape:     j.shape,
		Error:     j.errMsg,
		CreatedAt: j.createdAt.Unix(),
	}
}

func (j *Job) setProgress(step, total int) {
	j.mu.Lock()
	j.status = JobRunning
	j.step = step
	j.total = total
	j.mu.Unlock()
}

func (j *Job) finish(res sampler.Result, err error) {
	j.mu.Lock()
	switch {
	case errors.Is(err, context.Canceled):
		j.status = JobCanceled
	case err != nil:
		j.status = JobFailed
		j.errMsg = err.Error()
	default:
		j.status = JobCompleted
		j.step = j.total
		j.looped = res.Looped
		sh := res.Latent.Shape()
		j.shape = sh[:]
	}
	j.mu.Unlock()
	close(j.done)
}

type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

func (s *JobStore) create(cancel context.CancelFunc) *Job {
	j := &Job{
		id:        "job_" + uuid.NewString(),
		status:    JobQueued,
		createdAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()
	return j
}

func (s *JobStore) get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Server) handleCreateJob(c *echo.Context) error {
	if s.runner == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "no sampling backend configured", "", "")
	}
	req, err := decodeJSON[JobRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	cfg, err := BuildConfig(s.registry, req)
	if err != nil {
		if errors.Is(err, node.ErrBadParams) || errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	job := s.jobs.create(cancel)

	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	cfg.Progress = func(step, total int, _ *tensor.Video) bool {
		if limiter.Allow() {
			job.setProgress(step, total)
		}
		return true
	}

	log := s.log.With("job", job.id)
	go func() {
		defer cancel()
		log.Info("job started", "steps", cfg.Steps, "scheduler", cfg.Scheduler.String())
		res, err := s.runner.Run(runCtx, cfg)
		job.finish(res, err)
		if err != nil {
			log.Warn("job finished", "status", job.snapshot().Status, "err", err)
			return
		}
		log.Info("job finished", "status", JobCompleted)
	}()

	return c.JSON(http.StatusOK, job.snapshot())
}

func (s *Server) handleGetJob(c *echo.Context) error {
	job, ok := s.jobs.get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "no such job")
	}
	return c.JSON(http.StatusOK, job.snapshot())
}

func (s *Server) handleCancelJob(c *echo.Context) error {
	job, ok := s.jobs.get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "no such job")
	}
	job.cancel()
	return c.JSON(http.StatusOK, job.snapshot())
}

// BuildConfig assembles a sampler config from node-shaped parameters,
// validating each block through its registered builder. The CLI run-file
// path goes through the same assembly.
func BuildConfig(registry *node.Registry, req JobRequest) (sampler.Config, error) {
	var cfg sampler.Config

	if len(req.Text) == 0 {
		return cfg, newInvalidRequest("text_embeds is required")
	}
	if len(req.Geometry) == 0 {
		return cfg, newInvalidRequest("empty_embeds is required")
	}

	built, err := registry.Build("sampler", req.Sampler)
	if err != nil {
		return cfg, fmt.Errorf("sampler: %w", err)
	}
	cfg = *built.(*sampler.Config)

	built, err = registry.Build("empty_embeds", req.Geometry)
	if err != nil {
		return cfg, fmt.Errorf("empty_embeds: %w", err)
	}
	cfg.Geometry = *built.(*condition.Geometry)

	built, err = registry.Build("text_embeds", req.Text)
	if err != nil {
		return cfg, fmt.Errorf("text_embeds: %w", err)
	}
	cfg.Bundle = *built.(*condition.Bundle)

	if len(req.Context) > 0 {
		built, err = registry.Build("context_options", req.Context)
		if err != nil {
			return cfg, fmt.Errorf("context_options: %w", err)
		}
		cfg.Context = built.(*sampler.ContextOptions)
	}
	if len(req.Cache) > 0 {
		built, err = registry.Build("step_cache", req.Cache)
		if err != nil {
			return cfg, fmt.Errorf("step_cache: %w", err)
		}
		cfg.Cache = built.(*stepcache.Options)
	}
	if len(req.Skip) > 0 {
		built, err = registry.Build("skip_layer_guidance", req.Skip)
		if err != nil {
			return cfg, fmt.Errorf("skip_layer_guidance: %w", err)
		}
		cfg.Skip = *built.(*guidance.SkipOptions)
	}
	if len(req.Loop) > 0 {
		built, err = registry.Build("loop_options", req.Loop)
		if err != nil {
			return cfg, fmt.Errorf("loop_options: %w", err)
		}
		cfg.Loop = built.(*sampler.LoopOptions)
	}
	if len(req.Enhance) > 0 {
		built, err = registry.Build("enhance_options", req.Enhance)
		if err != nil {
			return cfg, fmt.Errorf("enhance_options: %w", err)
		}
		cfg.Enhance = *built.(*model.EnhanceOptions)
	}
	if len(req.BlockSwap) > 0 {
		built, err = registry.Build("block_swap", req.BlockSwap)
		if err != nil {
			return cfg, fmt.Errorf("block_swap: %w", err)
		}
		cfg.BlockSwap = built.(*offload.BlockSwapOptions)
	}
	if len(req.AutoOffload) > 0 {
		built, err = registry.Build("auto_offload", req.AutoOffload)
		if err != nil {
			return cfg, fmt.Errorf("auto_offload: %w", err)
		}
		cfg.AutoOffload = built.(*offload.AutoOptions)
	}
	return cfg, nil
}
