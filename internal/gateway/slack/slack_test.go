package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sandstorm/internal/protocol"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type fakeRunner struct {
	events []protocol.Event
	err    error
	gotReq *protocol.QueryRequest
}

func (f *fakeRunner) Run(_ context.Context, req *protocol.QueryRequest, _ string) (<-chan protocol.Event, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan protocol.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func testGateway(runner Runner) *Gateway {
	return NewGateway(Config{SigningSecret: testSecret}, runner, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// sign produces a valid Slack signature for the body at the given time.
func sign(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":" + body))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	ts := fmt.Sprintf("%d", time.Now().Unix())
	r := httptest.NewRequest(http.MethodPost, "/slack/commands", strings.NewReader(body))
	r.Header.Set("X-Slack-Request-Timestamp", ts)
	r.Header.Set("X-Slack-Signature", sign(testSecret, ts, body))
	return r
}

func TestReadAndVerify_Valid(t *testing.T) {
	g := testGateway(&fakeRunner{})
	body := "text=hello&user_id=U1"

	got, err := g.readAndVerify(signedRequest(t, body))
	if err != nil {
		t.Fatalf("readAndVerify: %v", err)
	}
	if string(got) != body {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestReadAndVerify_BadSignature(t *testing.T) {
	g := testGateway(&fakeRunner{})
	r := signedRequest(t, "text=hello")
	r.Header.Set("X-Slack-Signature", "v0=deadbeef")

	if _, err := g.readAndVerify(r); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestReadAndVerify_StaleTimestamp(t *testing.T) {
	g := testGateway(&fakeRunner{})
	body := "text=hello"
	ts := fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).Unix())
	r := httptest.NewRequest(http.MethodPost, "/slack/commands", strings.NewReader(body))
	r.Header.Set("X-Slack-Request-Timestamp", ts)
	r.Header.Set("X-Slack-Signature", sign(testSecret, ts, body))

	if _, err := g.readAndVerify(r); err == nil {
		t.Fatal("expected replay rejection")
	}
}

func TestReadAndVerify_MissingHeaders(t *testing.T) {
	g := testGateway(&fakeRunner{})
	r := httptest.NewRequest(http.MethodPost, "/slack/commands", strings.NewReader("text=hi"))

	if _, err := g.readAndVerify(r); err == nil {
		t.Fatal("expected missing header rejection")
	}
}

func TestParseUnixTimestamp(t *testing.T) {
	if _, err := parseUnixTimestamp("1725100000"); err != nil {
		t.Errorf("valid timestamp rejected: %v", err)
	}
	for _, bad := range []string{"17251x", "-5", "99999999999999999999"} {
		if _, err := parseUnixTimestamp(bad); err == nil {
			t.Errorf("parseUnixTimestamp(%q) should fail", bad)
		}
	}
}

func TestHandleSlashCommand_AcksAndPostsResult(t *testing.T) {
	posted := make(chan string, 1)
	responseSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		posted <- payload["text"]
	}))
	defer responseSrv.Close()

	runner := &fakeRunner{events: []protocol.Event{
		protocol.SandboxEvent("sbx-1"),
		protocol.AgentEvent(`{"type":"result","result":"All done."}`),
	}}
	g := testGateway(runner)

	form := url.Values{
		"user_id":      {"U123"},
		"text":         {"write a haiku"},
		"response_url": {responseSrv.URL},
	}
	w := httptest.NewRecorder()
	g.handleSlashCommand(w, signedRequest(t, form.Encode()))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var ack map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("ack body: %v", err)
	}
	if ack["response_type"] != "ephemeral" {
		t.Errorf("ack = %v", ack)
	}

	select {
	case text := <-posted:
		if text != "All done." {
			t.Errorf("posted text = %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("result never posted to response_url")
	}
	if runner.gotReq == nil || runner.gotReq.Prompt != "write a haiku" {
		t.Errorf("runner request = %+v", runner.gotReq)
	}
}

func TestHandleSlashCommand_RetryFastAck(t *testing.T) {
	runner := &fakeRunner{}
	g := testGateway(runner)

	r := signedRequest(t, "user_id=U123&text=hello")
	r.Header.Set("X-Slack-Retry-Num", "1")
	w := httptest.NewRecorder()
	g.handleSlashCommand(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if runner.gotReq != nil {
		t.Error("retry must not start a duplicate run")
	}
}

func TestHandleSlashCommand_UnmappedUserDenied(t *testing.T) {
	g := NewGateway(Config{
		SigningSecret: testSecret,
		UserMapping:   map[string]string{"U-ok": "alice"},
	}, &fakeRunner{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	form := url.Values{"user_id": {"U-stranger"}, "text": {"hi"}, "response_url": {"http://example.invalid"}}
	w := httptest.NewRecorder()
	g.handleSlashCommand(w, signedRequest(t, form.Encode()))

	if !strings.Contains(w.Body.String(), "not authorized") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		events []protocol.Event
		want   string
	}{
		{
			"result wins",
			[]protocol.Event{
				protocol.AgentEvent(`{"type":"system","subtype":"init"}`),
				protocol.AgentEvent(`{"type":"result","result":"done"}`),
			},
			"done",
		},
		{
			"warning fallback",
			[]protocol.Event{protocol.WarningEvent("agent execution failed: boom")},
			"Run finished without a result: agent execution failed: boom",
		},
		{
			"empty stream",
			nil,
			"Run finished without a result.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan protocol.Event, len(tt.events))
			for _, ev := range tt.events {
				ch <- ev
			}
			close(ch)
			if got := summarize(ch); got != tt.want {
				t.Errorf("summarize = %q, want %q", got, tt.want)
			}
		})
	}
}
