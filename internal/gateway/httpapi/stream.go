package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sandstorm/internal/config"
	"github.com/jkaninda/sandstorm/internal/protocol"
	"github.com/jkaninda/sandstorm/internal/ratelimit"
	"github.com/jkaninda/sandstorm/internal/sandbox"
)

// handleQuery handles POST /v1/query. The session's events stream back
// as server-sent events; the response ends when the run finishes or the
// client disconnects.
func (g *Gateway) handleQuery(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	if max := g.config.MaxRequestSize; max > 0 && c.Request().ContentLength > max {
		return c.JSON(http.StatusRequestEntityTooLarge, okapi.M{"error": "request body too large"})
	}

	var req protocol.QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return c.AbortBadRequest("prompt is required")
	}

	requestID := newRequestID()
	g.logger.Info("query received",
		slog.String("user_id", userID),
		slog.String("request_id", requestID),
		slog.String("sandbox_id", req.SandboxID),
		slog.Bool("keep_alive", req.KeepAlive),
	)

	stream, err := g.runner.Run(c.Context(), &req, requestID)
	if err != nil {
		return g.abortRun(c, requestID, err)
	}

	events := 0
	for ev := range stream {
		c.SSEvent("message", json.RawMessage(ev.JSON()))
		events++
	}

	g.logger.Info("query stream finished",
		slog.String("request_id", requestID),
		slog.Int("events", events),
	)
	return nil
}

// abortRun maps session setup errors to HTTP responses. Setup errors
// surface before any event is written, so the status line is still ours
// to choose.
func (g *Gateway) abortRun(c *okapi.Context, requestID string, err error) error {
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.AbortTooManyRequests("rate limit exceeded")
	case errors.Is(err, config.ErrAgentsNotMergeable):
		return c.AbortBadRequest(err.Error())
	default:
		g.logger.Error("session setup failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session setup failed")
	}
}
