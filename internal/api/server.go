// Package api exposes the sampling runtime over HTTP: node discovery for
// host UIs and an asynchronous job API around the sampler.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/node"
	"github.com/samcharles93/weft/internal/sampler"
)

// Runner executes one sampling run. *sampler.Sampler satisfies it; tests
// substitute their own.
type Runner interface {
	Run(ctx context.Context, cfg sampler.Config) (sampler.Result, error)
}

type Server struct {
	registry *node.Registry
	runner   Runner
	jobs     *JobStore
	log      logger.Logger
}

func NewServer(registry *node.Registry, runner Runner, log logger.Logger) *Server {
	if registry == nil {
		registry = node.Default()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		registry: registry,
		runner:   runner,
		jobs:     NewJobStore(),
		log:      log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/nodes", s.handleListNodes)
	e.POST("/v1/jobs", s.handleCreateJob)
	e.GET("/v1/jobs/:id", s.handleGetJob)
	e.POST("/v1/jobs/:id/cancel", s.handleCancelJob)
}

func (s *Server) handleListNodes(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.registry.Specs(),
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
