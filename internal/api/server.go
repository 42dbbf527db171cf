// Package api exposes the batch pipeline over HTTP: one synchronous
// batch endpoint plus a health probe.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/pipeline"
	"github.com/samcharles93/loom/internal/version"
)

// Runner is the slice of the pipeline the server calls.
type Runner interface {
	RunWith(ctx context.Context, prompts []string, opts *pipeline.RunOptions) ([]pipeline.Result, error)
}

type Config struct {
	// RPS caps accepted batch requests per second; zero disables the
	// limiter.
	RPS   float64
	Burst int
	Log   logger.Logger
}

type Server struct {
	runner  Runner
	limiter *rate.Limiter
	log     logger.Logger
	clock   func() time.Time
}

func NewServer(runner Runner, cfg Config) *Server {
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	log := cfg.Log
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		runner:  runner,
		limiter: limiter,
		log:     log,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/batch", s.handleBatch)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleBatch(c *echo.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "request rate exceeded", "")
	}
	req, err := decodeJSON[BatchRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "malformed request body: "+err.Error())
	}
	if len(req.Prompts) == 0 {
		return writeBadRequest(c, "prompts must not be empty")
	}
	if req.MaxNewTokens != nil && *req.MaxNewTokens < 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error",
			"max_new_tokens must not be negative", "max_new_tokens")
	}

	opts := &pipeline.RunOptions{
		MaxNewTokens: req.MaxNewTokens,
		StopStrings:  req.StopStrings,
	}
	results, err := s.runner.RunWith(c.Request().Context(), req.Prompts, opts)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInvalidRequest):
			return writeBadRequest(c, err.Error())
		case errors.Is(err, engine.ErrEngineFault):
			s.log.Error("batch failed on engine fault", "err", err)
			return writeError(c, http.StatusInternalServerError, "engine_error", err.Error(), "")
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful left to write.
			return nil
		default:
			s.log.Error("batch failed", "err", err)
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		}
	}

	resp := BatchResponse{
		ID:      "batch_" + uuid.NewString(),
		Object:  "batch",
		Created: s.clock().Unix(),
		Results: make([]BatchItem, len(results)),
	}
	for i, res := range results {
		item := BatchItem{
			Index:        res.Index,
			Text:         res.Text,
			Tokens:       res.Tokens,
			FinishReason: res.Reason,
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		resp.Results[i] = item
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
