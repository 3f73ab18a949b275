// Package slack implements a Slack gateway for Sandstorm using slash
// commands. A command acknowledges immediately and runs the agent
// session in the background; the result is posted to the command's
// response URL when the run finishes.
//
// Security:
//   - Every request verified via HMAC-SHA256 signature (Slack signing secret)
//   - Replay protection: rejects requests with timestamps older than 5 minutes
//   - Slack retries are acknowledged without starting a duplicate run
//   - Signing secret and bot token from environment variables, never config files
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/sandstorm/internal/protocol"
	"github.com/jkaninda/sandstorm/internal/ratelimit"
)

const (
	maxSlackRequestSize = 256 << 10 // Slack payloads are small.
	signatureMaxAge     = 5 * time.Minute

	// Agent runs can take up to the runner command timeout; give the
	// background session a little headroom beyond that.
	sessionTimeout = 35 * time.Minute
)

// Runner executes one agent session and streams its events.
type Runner interface {
	Run(ctx context.Context, req *protocol.QueryRequest, requestID string) (<-chan protocol.Event, error)
}

// Config configures the Slack gateway.
type Config struct {
	SigningSecret string            // From SLACK_SIGNING_SECRET.
	BotToken      string            // xoxb-... from SLACK_BOT_TOKEN.
	ListenAddr    string            // Webhook listen address, e.g. ":3000".
	UserMapping   map[string]string // Slack user ID → user ID. Empty = pass through.
}

// Gateway is the Slack gateway.
type Gateway struct {
	config     Config
	runner     Runner
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server
	httpClient *http.Client
}

// NewGateway creates a Slack gateway.
func NewGateway(cfg Config, runner Runner, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		runner:  runner,
		limiter: rl,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Start launches the webhook HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /slack/commands", g.handleSlashCommand)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("slack gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the Slack webhook server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("slack gateway stopping")
	return g.server.Shutdown(ctx)
}

// --- Slash Commands ---

func (g *Gateway) handleSlashCommand(w http.ResponseWriter, r *http.Request) {
	// Slack retries when we miss the 3s ack deadline. The original
	// delivery is already running; just acknowledge.
	if r.Header.Get("X-Slack-Retry-Num") != "" {
		writeSlackResponse(w, "Still working on it.")
		return
	}

	body, err := g.readAndVerify(r)
	if err != nil {
		g.logger.Warn("slack signature verification failed", slog.String("error", err.Error()))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	slackUserID := values.Get("user_id")
	text := strings.TrimSpace(values.Get("text"))
	responseURL := values.Get("response_url")

	userID, ok := g.resolveUser(slackUserID)
	if !ok {
		g.logger.Warn("unmapped slack user denied", slog.String("slack_user_id", slackUserID))
		writeSlackResponse(w, "You are not authorized to use Sandstorm.")
		return
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			writeSlackResponse(w, "Rate limit exceeded. Please wait before trying again.")
			return
		}
	}

	if text == "" {
		writeSlackResponse(w, "Usage: /sandstorm <prompt>")
		return
	}
	if responseURL == "" {
		writeSlackResponse(w, "Missing response URL.")
		return
	}

	requestID := newRequestID()
	g.logger.Info("slack command",
		slog.String("user_id", userID),
		slog.String("slack_user_id", slackUserID),
		slog.String("request_id", requestID),
	)

	// Ack now; the run continues past this request's lifetime.
	go g.runSession(requestID, text, responseURL)
	writeSlackResponse(w, "Working on it...")
}

// resolveUser maps a Slack user to an internal user ID. With no mapping
// configured the Slack ID passes through.
func (g *Gateway) resolveUser(slackUserID string) (string, bool) {
	if len(g.config.UserMapping) == 0 {
		return slackUserID, slackUserID != ""
	}
	userID, ok := g.config.UserMapping[slackUserID]
	return userID, ok
}

// runSession drives one agent run and posts the outcome to the
// command's response URL.
func (g *Gateway) runSession(requestID, prompt, responseURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	stream, err := g.runner.Run(ctx, &protocol.QueryRequest{Prompt: prompt}, requestID)
	if err != nil {
		g.logger.Error("slack session setup failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		g.postResponse(ctx, responseURL, "Session failed to start: "+err.Error())
		return
	}

	summary := summarize(stream)
	g.postResponse(ctx, responseURL, summary)
}

// summarize drains the event stream and returns the text to post back:
// the agent's final result when one arrives, otherwise a fallback.
func summarize(stream <-chan protocol.Event) string {
	var result, warning string
	for ev := range stream {
		switch ev.Type() {
		case "result":
			var probe struct {
				Result string `json:"result"`
			}
			if err := json.Unmarshal(ev.JSON(), &probe); err == nil && probe.Result != "" {
				result = probe.Result
			}
		case "warning":
			var probe struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(ev.JSON(), &probe); err == nil {
				warning = probe.Message
			}
		}
	}
	if result != "" {
		return result
	}
	if warning != "" {
		return "Run finished without a result: " + warning
	}
	return "Run finished without a result."
}

// postResponse delivers text to a Slack response URL.
func (g *Gateway) postResponse(ctx context.Context, responseURL, text string) {
	payload, err := json.Marshal(map[string]string{
		"response_type": "in_channel",
		"text":          text,
	})
	if err != nil {
		g.logger.Error("marshaling slack response", slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(payload))
	if err != nil {
		g.logger.Error("creating slack response request", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.Error("posting slack response", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		g.logger.Error("slack response url error", slog.Int("status", resp.StatusCode))
	}
}

// --- Signature Verification ---

// readAndVerify reads the request body and verifies the Slack
// HMAC-SHA256 signature, rejecting forged and replayed requests.
func (g *Gateway) readAndVerify(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSlackRequestSize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	defer r.Body.Close()

	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if timestamp == "" || signature == "" {
		return nil, fmt.Errorf("missing signature headers")
	}

	ts, err := parseUnixTimestamp(timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	if time.Since(ts) > signatureMaxAge {
		return nil, fmt.Errorf("request too old (%v ago)", time.Since(ts))
	}

	// Expected signature: v0=hmac_sha256(secret, "v0:{timestamp}:{body}")
	baseString := fmt.Sprintf("v0:%s:%s", timestamp, string(body))
	mac := hmac.New(sha256.New, []byte(g.config.SigningSecret))
	mac.Write([]byte(baseString))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, fmt.Errorf("signature mismatch")
	}

	return body, nil
}

// --- Helpers ---

func writeSlackResponse(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"response_type": "ephemeral",
		"text":          text,
	})
}

func parseUnixTimestamp(s string) (time.Time, error) {
	var ts int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return time.Time{}, fmt.Errorf("non-numeric timestamp: %q", s)
		}
		ts = ts*10 + int64(c-'0')
		if ts > math.MaxInt64/10 {
			return time.Time{}, fmt.Errorf("timestamp overflow: %q", s)
		}
	}
	return time.Unix(ts, 0), nil
}

func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
