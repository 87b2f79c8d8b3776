package transform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/andyguoau/scamvax-api/internal/logging"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second

	enrollmentPath = "/services/audio/tts/voice-enrollment"
	maxErrorBody   = 4 << 10
)

// GatewayConfig configures the voice conversion provider endpoints.
type GatewayConfig struct {
	BaseURL        string
	WSURL          string
	APIKey         string
	EnrollModel    string
	SynthesisModel string
	Timeout        time.Duration
	MaxAttempts    int
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// HTTPGateway converts audio in two steps: the sample is enrolled over HTTP to obtain
// a voice id, then the profile script is synthesised in that voice over a duplex
// websocket task. Each step gets its own timeout and bounded retries.
type HTTPGateway struct {
	Config      GatewayConfig
	Client      *http.Client
	Dialer      *websocket.Dialer
	Sleep       SleepFunc
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewHTTPGateway constructs a gateway. A nil client uses http.DefaultClient.
func NewHTTPGateway(cfg GatewayConfig, client *http.Client) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{
		Config:      cfg,
		Client:      client,
		Dialer:      websocket.DefaultDialer,
		Sleep:       sleepContext,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
}

// Transform enrolls the caller's voice and synthesises the profile script with it.
// Raw audio is never logged.
func (g *HTTPGateway) Transform(ctx context.Context, in Sample, profile Profile) (Result, error) {
	raw := in.Audio
	if len(raw) == 0 {
		return Result{}, permanent("empty input", 0, nil)
	}
	if strings.TrimSpace(profile.Script) == "" {
		return Result{}, fmt.Errorf("profile %q has no script: %w", profile.Name, ErrUnknownProfile)
	}

	logger := logging.FromContext(ctx)
	started := time.Now()

	voiceID, err := retry(ctx, g, "enroll", func(ctx context.Context) (string, error) {
		return g.enroll(ctx, raw, in.Format)
	})
	if err != nil {
		return Result{}, err
	}

	audio, err := retry(ctx, g, "synthesize", func(ctx context.Context) ([]byte, error) {
		return g.synthesize(ctx, voiceID, profile.Script)
	})
	if err != nil {
		return Result{}, err
	}

	logger.Info("voice conversion complete",
		slog.String("profile", profile.Name),
		slog.String("input_format", in.Format),
		slog.Int("input_bytes", len(raw)),
		slog.Int("output_bytes", len(audio)),
		slog.Duration("duration", time.Since(started)),
	)
	return Result{Audio: audio, ContentType: "audio/wav"}, nil
}

func retry[T any](ctx context.Context, g *HTTPGateway, step string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr *Error

	for attempt := 0; attempt < g.Config.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * g.BaseBackoff
			if backoff > g.MaxBackoff {
				backoff = g.MaxBackoff
			}
			if err := g.Sleep(ctx, backoff); err != nil {
				return zero, transient(step+" canceled", 0, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.Config.Timeout)
		value, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return value, nil
		}

		var tErr *Error
		if !errors.As(err, &tErr) {
			tErr = transient(step, 0, err)
		}
		if ctx.Err() != nil {
			return zero, transient(step+" canceled", 0, ctx.Err())
		}
		if !tErr.Transient {
			return zero, tErr
		}

		lastErr = tErr
		logging.FromContext(ctx).Warn("transient voice conversion failure",
			slog.String("step", step),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", g.Config.MaxAttempts),
			slog.Any("error", err),
		)
	}
	if lastErr == nil {
		return zero, permanent(step+" not attempted", 0, nil)
	}
	return zero, lastErr
}

type enrollRequest struct {
	Model string `json:"model"`
	Input struct {
		Audio  string `json:"audio"`
		Format string `json:"format"`
	} `json:"input"`
}

type enrollResponse struct {
	Output struct {
		VoiceID string `json:"voice_id"`
	} `json:"output"`
}

// enroll uploads the sample labelled with its real container format.
func (g *HTTPGateway) enroll(ctx context.Context, raw []byte, format string) (string, error) {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if format == "" {
		format = "wav"
	}

	var body enrollRequest
	body.Model = g.Config.EnrollModel
	body.Input.Audio = base64.StdEncoding.EncodeToString(raw)
	body.Input.Format = format

	payload, err := json.Marshal(body)
	if err != nil {
		return "", permanent("encode enrollment", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Config.BaseURL+enrollmentPath, bytes.NewReader(payload))
	if err != nil {
		return "", permanent("build enrollment request", 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.Config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", transient("enrollment request", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", classifyStatus("enrollment rejected", resp.StatusCode, errors.New(strings.TrimSpace(string(snippet))))
	}

	var out enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", permanent("malformed enrollment response", resp.StatusCode, err)
	}
	if out.Output.VoiceID == "" {
		return "", permanent("enrollment returned no voice id", resp.StatusCode, nil)
	}
	return out.Output.VoiceID, nil
}

type taskHeader struct {
	Action    string `json:"action,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Streaming string `json:"streaming,omitempty"`
	Event     string `json:"event,omitempty"`
}

type taskMessage struct {
	Header  taskHeader     `json:"header"`
	Payload map[string]any `json:"payload"`
}

func (g *HTTPGateway) synthesize(ctx context.Context, voiceID, script string) ([]byte, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+g.Config.APIKey)

	conn, resp, err := g.Dialer.DialContext(ctx, g.Config.WSURL, header)
	if err != nil {
		if resp != nil {
			return nil, classifyStatus("synthesis handshake rejected", resp.StatusCode, err)
		}
		return nil, transient("synthesis dial", 0, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")
	messages := []taskMessage{
		{
			Header: taskHeader{Action: "run-task", TaskID: taskID, Streaming: "duplex"},
			Payload: map[string]any{
				"task_group": "audio",
				"task":       "tts",
				"function":   "SpeechSynthesizer",
				"model":      g.Config.SynthesisModel,
				"parameters": map[string]any{
					"text_type":   "PlainText",
					"voice":       voiceID,
					"format":      "wav",
					"sample_rate": 24000,
				},
				"input": map[string]any{},
			},
		},
		{
			Header:  taskHeader{Action: "continue-task", TaskID: taskID, Streaming: "duplex"},
			Payload: map[string]any{"input": map[string]any{"text": script}},
		},
		{
			Header:  taskHeader{Action: "finish-task", TaskID: taskID, Streaming: "duplex"},
			Payload: map[string]any{"input": map[string]any{}},
		},
	}

	if err := conn.WriteJSON(messages[0]); err != nil {
		return nil, transient("send run-task", 0, err)
	}

	var ack taskMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return nil, transient("await task-started", 0, err)
	}
	if ack.Header.Event != "task-started" {
		return nil, permanent("synthesis task not started: "+ack.Header.Event, 0, taskFailure(ack))
	}

	for _, msg := range messages[1:] {
		if err := conn.WriteJSON(msg); err != nil {
			return nil, transient("send "+msg.Header.Action, 0, err)
		}
	}

	var audio bytes.Buffer
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nil, transient("read synthesis stream", 0, err)
		}
		if kind == websocket.BinaryMessage {
			audio.Write(data)
			continue
		}

		var event taskMessage
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, permanent("malformed synthesis event", 0, err)
		}
		switch event.Header.Event {
		case "task-finished":
			if audio.Len() == 0 {
				return nil, permanent("synthesis returned no audio", 0, nil)
			}
			return audio.Bytes(), nil
		case "task-failed":
			return nil, permanent("synthesis task failed", 0, taskFailure(event))
		}
	}
}

func taskFailure(msg taskMessage) error {
	if text, ok := msg.Payload["message"].(string); ok && text != "" {
		return errors.New(text)
	}
	return nil
}

// classifyStatus marks throttling and server errors as transient.
func classifyStatus(reason string, status int, err error) *Error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return transient(reason, status, err)
	}
	return permanent(reason, status, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Transformer = (*HTTPGateway)(nil)
	_ Transformer = IdentityTransformer{}
)
