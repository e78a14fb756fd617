// Package llm is the boundary to the language-model collaborator. The core
// only depends on the Generator interface; the HTTP client speaks an
// Ollama-compatible generate API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cpas-project/orchestrator/internal/circuitbreaker"
	"github.com/cpas-project/orchestrator/internal/faults"
	"github.com/cpas-project/orchestrator/internal/metrics"
)

// Turn is one prior conversation exchange passed along as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation call.
type Request struct {
	Prompt    string
	History   []Turn
	Model     string
	MaxTokens int
}

// Response is the collaborator's answer. RawConfidence is negative when the
// backend reports no confidence signal of its own.
type Response struct {
	Text          string
	RawConfidence float64
}

// Generator is the narrow contract the reasoning engine consumes.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	// Available reports whether the collaborator is reachable. The
	// reasoning engine uses it to decide on degraded mode up front.
	Available(ctx context.Context) bool
}

// Client talks to an Ollama-style HTTP endpoint, rate-limited and guarded
// by a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// Options tunes the client.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
}

// NewClient creates a client. Connection problems are not an error here;
// availability is probed per call.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		http:    &http.Client{Timeout: opts.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		breaker: circuitbreaker.New("llm", circuitbreaker.DefaultSettings(), logger),
		logger:  logger,
	}
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate performs one generation call. Failures are classified so the
// caller can distinguish outage from bad input.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, faults.Permanentf("llm: empty prompt")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, faults.Transient(fmt.Errorf("llm: rate limit wait: %w", err))
	}

	start := time.Now()
	var out *Response
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.doGenerate(ctx, req)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		metrics.RecordLLMRequest(req.Model, "error", elapsed)
		if err == circuitbreaker.ErrOpen || err == circuitbreaker.ErrTooManyProbes {
			return nil, faults.Unavailable(fmt.Errorf("llm: %w", err))
		}
		return nil, err
	}

	metrics.RecordLLMRequest(req.Model, "ok", elapsed)
	return out, nil
}

func (c *Client) doGenerate(ctx context.Context, req Request) (*Response, error) {
	prompt := req.Prompt
	if len(req.History) > 0 {
		var b strings.Builder
		for _, t := range req.History {
			b.WriteString(t.Role)
			b.WriteString(": ")
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
		b.WriteString(req.Prompt)
		prompt = b.String()
	}

	body := generateRequest{
		Model:  req.Model,
		Prompt: prompt,
		Stream: false,
	}
	if req.MaxTokens > 0 {
		body.Options = map[string]interface{}{"num_predict": req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, faults.Permanentf("llm: marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, faults.Permanentf("llm: build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, faults.Unavailable(fmt.Errorf("llm: request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, faults.Transientf("llm: backend returned %d", resp.StatusCode)
	default:
		return nil, faults.Permanentf("llm: backend returned %d", resp.StatusCode)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, faults.Transient(fmt.Errorf("llm: decode response: %w", err))
	}

	// The backend reports no confidence signal of its own.
	return &Response{Text: gen.Response, RawConfidence: -1}, nil
}

// Available probes the backend with a short deadline.
func (c *Client) Available(ctx context.Context) bool {
	if c.breaker.IsOpen() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
