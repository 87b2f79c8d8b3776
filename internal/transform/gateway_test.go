package transform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	enrollStatuses []int
	enrollCalls    atomic.Int32
	synthCalls     atomic.Int32
	failSynthesis  bool
	gotAudio       atomic.Value
	gotFormat      atomic.Value
	gotScript      atomic.Value
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/services/audio/tts/voice-enrollment", func(w http.ResponseWriter, r *http.Request) {
		call := int(f.enrollCalls.Add(1)) - 1
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if call < len(f.enrollStatuses) {
			w.WriteHeader(f.enrollStatuses[call])
			return
		}

		var req enrollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, _ := base64.StdEncoding.DecodeString(req.Input.Audio)
		f.gotAudio.Store(string(raw))
		f.gotFormat.Store(req.Input.Format)
		_, _ = w.Write([]byte(`{"output":{"voice_id":"voice-123"}}`))
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		f.synthCalls.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var run taskMessage
		if err := conn.ReadJSON(&run); err != nil {
			return
		}
		params, _ := run.Payload["parameters"].(map[string]any)
		if params["voice"] != "voice-123" {
			_ = conn.WriteJSON(taskMessage{Header: taskHeader{Event: "task-failed"}, Payload: map[string]any{"message": "bad voice"}})
			return
		}
		_ = conn.WriteJSON(taskMessage{Header: taskHeader{Event: "task-started"}})

		var cont taskMessage
		if err := conn.ReadJSON(&cont); err != nil {
			return
		}
		input, _ := cont.Payload["input"].(map[string]any)
		text, _ := input["text"].(string)
		f.gotScript.Store(text)

		var finish taskMessage
		if err := conn.ReadJSON(&finish); err != nil {
			return
		}

		if f.failSynthesis {
			_ = conn.WriteJSON(taskMessage{Header: taskHeader{Event: "task-failed"}, Payload: map[string]any{"message": "quota exceeded"}})
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("RIFF"))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("-converted"))
		_ = conn.WriteJSON(taskMessage{Header: taskHeader{Event: "task-finished"}})
	})
	return mux
}

func newTestGateway(t *testing.T, provider *fakeProvider) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(provider.handler(t))
	t.Cleanup(srv.Close)

	gw := NewHTTPGateway(GatewayConfig{
		BaseURL:        srv.URL,
		WSURL:          "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		APIKey:         "test-key",
		EnrollModel:    "enroll",
		SynthesisModel: "tts",
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
	}, srv.Client())
	gw.Sleep = func(context.Context, time.Duration) error { return nil }
	return gw
}

func wavInput(raw string) Sample {
	return Sample{Audio: []byte(raw), ContentType: "audio/wav", Format: "wav"}
}

func TestHTTPGatewayTransform(t *testing.T) {
	provider := &fakeProvider{}
	gw := newTestGateway(t, provider)

	res, err := gw.Transform(context.Background(), wavInput("voice sample"), Profile{Name: "en", Script: "hello mom"})
	require.NoError(t, err)

	assert.Equal(t, "RIFF-converted", string(res.Audio))
	assert.Equal(t, "audio/wav", res.ContentType)
	assert.Equal(t, "voice sample", provider.gotAudio.Load())
	assert.Equal(t, "hello mom", provider.gotScript.Load())
	assert.Equal(t, "wav", provider.gotFormat.Load())
}

func TestHTTPGatewayEnrollsWithUploadFormat(t *testing.T) {
	cases := []struct {
		name   string
		format string
		want   string
	}{
		{name: "mp3", format: "mp3", want: "mp3"},
		{name: "dotted upper case", format: ".M4A", want: "m4a"},
		{name: "unknown falls back to wav", format: "", want: "wav"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{}
			gw := newTestGateway(t, provider)

			_, err := gw.Transform(context.Background(), Sample{Audio: []byte("ID3 sample"), ContentType: "audio/mpeg", Format: tc.format}, Profile{Name: "en", Script: "hello"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, provider.gotFormat.Load())
		})
	}
}

func TestHTTPGatewayRetriesTransientStatus(t *testing.T) {
	provider := &fakeProvider{enrollStatuses: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}}
	gw := newTestGateway(t, provider)

	_, err := gw.Transform(context.Background(), wavInput("voice sample"), Profile{Name: "en", Script: "hello"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, provider.enrollCalls.Load())
}

func TestHTTPGatewayGivesUpAfterMaxAttempts(t *testing.T) {
	provider := &fakeProvider{enrollStatuses: []int{500, 502, 503, 504}}
	gw := newTestGateway(t, provider)

	_, err := gw.Transform(context.Background(), wavInput("voice sample"), Profile{Name: "en", Script: "hello"})
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.True(t, tErr.Transient)
	assert.Equal(t, http.StatusServiceUnavailable, tErr.StatusCode)
	assert.EqualValues(t, 3, provider.enrollCalls.Load())
	assert.EqualValues(t, 0, provider.synthCalls.Load())
}

func TestHTTPGatewayDoesNotRetryClientErrors(t *testing.T) {
	provider := &fakeProvider{enrollStatuses: []int{http.StatusBadRequest}}
	gw := newTestGateway(t, provider)

	_, err := gw.Transform(context.Background(), wavInput("voice sample"), Profile{Name: "en", Script: "hello"})
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.False(t, tErr.Transient)
	assert.Equal(t, http.StatusBadRequest, tErr.StatusCode)
	assert.EqualValues(t, 1, provider.enrollCalls.Load())
}

func TestHTTPGatewaySynthesisFailure(t *testing.T) {
	provider := &fakeProvider{failSynthesis: true}
	gw := newTestGateway(t, provider)

	_, err := gw.Transform(context.Background(), wavInput("voice sample"), Profile{Name: "en", Script: "hello"})
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.False(t, tErr.Transient)
	assert.Contains(t, tErr.Error(), "quota exceeded")
	assert.EqualValues(t, 1, provider.synthCalls.Load())
}

func TestHTTPGatewayCanceledContext(t *testing.T) {
	provider := &fakeProvider{enrollStatuses: []int{500, 500, 500}}
	gw := newTestGateway(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	gw.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := gw.Transform(ctx, wavInput("voice sample"), Profile{Name: "en", Script: "hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.EqualValues(t, 1, provider.enrollCalls.Load())
}

func TestIdentityTransformer(t *testing.T) {
	raw := []byte("sample")
	res, err := IdentityTransformer{}.Transform(context.Background(), Sample{Audio: raw, ContentType: "audio/mpeg", Format: "mp3"}, Profile{})
	require.NoError(t, err)
	assert.Equal(t, raw, res.Audio)
	assert.Equal(t, "audio/mpeg", res.ContentType)

	res, err = IdentityTransformer{}.Transform(context.Background(), Sample{Audio: raw}, Profile{})
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", res.ContentType)
}
