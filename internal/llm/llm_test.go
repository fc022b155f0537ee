package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/felixmachan/stravaFetch/internal/coacherr"
)

const endpoint = "https://api.example.test/v1/responses"

func newMocked(t *testing.T, apiKey string) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	c, err := New("https://api.example.test/v1", apiKey, &http.Client{Transport: mock})
	if err != nil {
		t.Fatal(err)
	}
	return c, mock
}

func TestComplete(t *testing.T) {
	c, mock := newMocked(t, "sk-test")

	var sent map[string]any
	var auth string
	mock.RegisterResponder(http.MethodPost, endpoint, func(r *http.Request) (*http.Response, error) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&sent); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		return httpmock.NewStringResponse(200, `{
			"id": "resp_1",
			"model": "gpt-5-mini-2025-08-07",
			"output": [
				{"type": "reasoning", "content": []},
				{"type": "message", "content": [{"type": "output_text", "text": " {\"coach_says\": \"Nice.\"} "}]}
			],
			"usage": {"input_tokens": 812, "output_tokens": 64}
		}`), nil
	})

	got, err := c.Complete(context.Background(), Request{
		Model:        "gpt-5-mini",
		Instructions: "be brief",
		Input:        "hello",
		SchemaName:   "coach_says",
		Schema:       json.RawMessage(`{"type":"object"}`),
		Temperature:  0.2,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Text != `{"coach_says": "Nice."}` {
		t.Errorf("unexpected text %q", got.Text)
	}
	if got.Model != "gpt-5-mini-2025-08-07" {
		t.Errorf("expected resolved model, got %q", got.Model)
	}
	if got.Usage != (Usage{InputTokens: 812, OutputTokens: 64}) {
		t.Errorf("unexpected usage %+v", got.Usage)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("expected bearer auth, got %q", auth)
	}
	if _, ok := sent["temperature"]; ok {
		t.Error("expected no temperature for gpt-5 models")
	}
	format, _ := sent["text"].(map[string]any)["format"].(map[string]any)
	if format["type"] != "json_schema" || format["name"] != "coach_says" || format["strict"] != true {
		t.Errorf("unexpected text format %v", format)
	}
}

func TestCompletePlainText(t *testing.T) {
	c, mock := newMocked(t, "sk-test")

	var sent map[string]any
	mock.RegisterResponder(http.MethodPost, endpoint, func(r *http.Request) (*http.Response, error) {
		json.NewDecoder(r.Body).Decode(&sent) //nolint:errcheck
		return httpmock.NewStringResponse(200, `{"output_text": "Easy run tomorrow.", "usage": {"input_tokens": 10, "output_tokens": 4}}`), nil
	})

	got, err := c.Complete(context.Background(), Request{Model: "gpt-4o-mini", Input: "hi", Temperature: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Easy run tomorrow." || got.Model != "gpt-4o-mini" {
		t.Errorf("unexpected response %+v", got)
	}
	if sent["temperature"] != 0.2 {
		t.Errorf("expected temperature to be sent, got %v", sent["temperature"])
	}
	if _, ok := sent["text"]; ok {
		t.Error("expected no text format without a schema")
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name          string
		responder     httpmock.Responder
		wantRetryable bool
	}{
		{"server error", httpmock.NewStringResponder(503, `{"error": "overloaded"}`), true},
		{"rate limited", httpmock.NewStringResponder(429, `{"error": "slow down"}`), true},
		{"bad request", httpmock.NewStringResponder(400, `{"error": "invalid schema"}`), false},
		{"transport failure", httpmock.NewErrorResponder(errors.New("connection reset")), true},
		{"garbage body", httpmock.NewStringResponder(200, `<html>`), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, mock := newMocked(t, "sk-test")
			mock.RegisterResponder(http.MethodPost, endpoint, tc.responder)

			_, err := c.Complete(context.Background(), Request{Model: "gpt-5-nano", Input: "x"})
			if !errors.Is(err, coacherr.ErrProviderCall) {
				t.Fatalf("expected provider call error, got %v", err)
			}
			if got := coacherr.IsRetryable(err); got != tc.wantRetryable {
				t.Errorf("retryable = %v, want %v", got, tc.wantRetryable)
			}
		})
	}
}

func TestCompleteWithoutKey(t *testing.T) {
	c, mock := newMocked(t, "")

	_, err := c.Complete(context.Background(), Request{Model: "gpt-5-nano", Input: "x"})
	if !errors.Is(err, ErrNoAPIKey) || coacherr.IsRetryable(err) {
		t.Errorf("expected non-retryable missing key error, got %v", err)
	}
	if n := mock.GetTotalCallCount(); n != 0 {
		t.Errorf("expected no calls, got %d", n)
	}
}

func TestCompleteSpans(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantCode   codes.Code
		wantTokens int64
	}{
		{"success", 200, `{"model": "gpt-5-nano", "output_text": "ok", "usage": {"input_tokens": 120, "output_tokens": 8}}`, codes.Unset, 120},
		{"server error", 503, `{"error": {"message": "overloaded"}}`, codes.Error, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, mock := newMocked(t, "sk-test")
			sr := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
			t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
			c.SetTracerProvider(tp)

			mock.RegisterResponder(http.MethodPost, endpoint, httpmock.NewStringResponder(tc.status, tc.body))
			_, _ = c.Complete(context.Background(), Request{Model: "gpt-5-nano", Input: "x", Schema: json.RawMessage(`{}`)})

			spans := sr.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			span := spans[0]
			if span.Name() != "llm.Complete" {
				t.Errorf("unexpected span name %q", span.Name())
			}
			if span.Status().Code != tc.wantCode {
				t.Errorf("expected status %v, got %v", tc.wantCode, span.Status().Code)
			}
			attrs := map[attribute.Key]attribute.Value{}
			for _, kv := range span.Attributes() {
				attrs[kv.Key] = kv.Value
			}
			if attrs["llm.model"].AsString() != "gpt-5-nano" || !attrs["llm.structured"].AsBool() {
				t.Errorf("unexpected request attributes %v", attrs)
			}
			if got := attrs["llm.tokens_input"].AsInt64(); got != tc.wantTokens {
				t.Errorf("expected %d input tokens on span, got %d", tc.wantTokens, got)
			}
		})
	}
}
