// Package llm is a small client for a Responses-style model backend.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixmachan/stravaFetch/internal/client"
	"github.com/felixmachan/stravaFetch/internal/coacherr"
)

const tracerName = "github.com/felixmachan/stravaFetch/internal/llm"

// ErrNoAPIKey is returned without calling out when no key is configured.
var ErrNoAPIKey = errors.New("model backend api key not configured")

// Usage is the token count reported for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is one model call. Schema is optional; when set the backend is
// asked for strict JSON matching it.
type Request struct {
	Model        string
	Instructions string
	Input        string
	SchemaName   string
	Schema       json.RawMessage
	Temperature  float64
}

// Response is the text answer and its usage.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

type responsesRequest struct {
	Model        string       `json:"model"`
	Instructions string       `json:"instructions,omitempty"`
	Input        string       `json:"input"`
	Temperature  *float64     `json:"temperature,omitempty"`
	Text         *textOptions `json:"text,omitempty"`
}

type textOptions struct {
	Format textFormat `json:"format"`
}

type textFormat struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type responsesResponse struct {
	ID         string       `json:"id"`
	Model      string       `json:"model"`
	OutputText string       `json:"output_text"`
	Output     []outputItem `json:"output"`
	Usage      Usage        `json:"usage"`
}

type outputItem struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// text joins every output_text part in order.
func (r *responsesResponse) text() string {
	if r.OutputText != "" {
		return strings.TrimSpace(r.OutputText)
	}
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				b.WriteString(c.Text)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Client calls the model backend. Each call is traced as an llm.Complete span.
type Client struct {
	rc     *client.Client
	apiKey string
	tracer trace.Tracer
}

// New returns a client for baseURL. A nil httpClient uses http.DefaultClient.
func New(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing model backend URL: %w", err)
	}
	rc := client.NewClient(u, httpClient)
	rc.SetHeader("Authorization", "Bearer "+apiKey)
	return &Client{rc: rc, apiKey: apiKey, tracer: otel.Tracer(tracerName)}, nil
}

// SetTracerProvider replaces the global tracer provider for this client.
func (c *Client) SetTracerProvider(tp trace.TracerProvider) {
	c.tracer = tp.Tracer(tracerName)
}

// supportsTemperature is false for the gpt-5 family, which rejects the parameter.
func supportsTemperature(model string) bool {
	return !strings.HasPrefix(model, "gpt-5")
}

// Complete sends one request. Failures are returned as coacherr provider
// call errors; they are retryable for transport errors, 429 and 5xx.
func (c *Client) Complete(ctx context.Context, r Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "llm.Complete", trace.WithAttributes(
		attribute.String("llm.model", r.Model),
		attribute.Bool("llm.structured", len(r.Schema) > 0),
	))
	defer span.End()

	if c.apiKey == "" {
		span.SetStatus(codes.Error, ErrNoAPIKey.Error())
		return nil, coacherr.ProviderCall(ErrNoAPIKey, false)
	}

	body := responsesRequest{
		Model:        r.Model,
		Instructions: r.Instructions,
		Input:        r.Input,
	}
	if supportsTemperature(r.Model) {
		t := r.Temperature
		body.Temperature = &t
	}
	if len(r.Schema) > 0 {
		body.Text = &textOptions{Format: textFormat{
			Type:   "json_schema",
			Name:   r.SchemaName,
			Schema: r.Schema,
			Strict: true,
		}}
	}

	req, err := c.rc.NewRequest(ctx, http.MethodPost, "responses", body)
	if err != nil {
		return nil, coacherr.ProviderCall(fmt.Errorf("creating responses request: %w", err), false)
	}

	var out responsesResponse
	resp, err := c.rc.Do(req, &out)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, coacherr.ProviderCall(fmt.Errorf("calling %s: %w", r.Model, err), retryable(ctx, err))
	}

	model := out.Model
	if model == "" {
		model = r.Model
	}
	span.SetAttributes(
		attribute.Int("llm.tokens_input", out.Usage.InputTokens),
		attribute.Int("llm.tokens_output", out.Usage.OutputTokens),
	)
	return &Response{Text: out.text(), Model: model, Usage: out.Usage}, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var httpErr *client.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	// Undecodable bodies will not improve on a second attempt.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr)
}
