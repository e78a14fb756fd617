package investigation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cpas-project/orchestrator/internal/faults"
)

// Module is an intelligence-gathering collaborator. Implementations must
// respect ctx cancellation; the coordinator bounds every call with the
// investigation deadline.
type Module interface {
	Name() string
	Investigate(ctx context.Context, target string) (payload json.RawMessage, confidence float64, err error)
}

// HTTPModule calls an external intelligence module over HTTP. The remote
// contract is POST <url> with {"target": ...} returning
// {"payload": ..., "confidence": ...}.
type HTTPModule struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPModule builds a module adapter for the collaborator at url.
func NewHTTPModule(name, url string, timeout time.Duration) *HTTPModule {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPModule{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (m *HTTPModule) Name() string { return m.name }

func (m *HTTPModule) Investigate(ctx context.Context, target string) (json.RawMessage, float64, error) {
	body, err := json.Marshal(map[string]string{"target": target})
	if err != nil {
		return nil, 0, faults.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, faults.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, faults.Unavailable(fmt.Errorf("module %s: %w", m.name, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, faults.Transient(fmt.Errorf("module %s: read response: %w", m.name, err))
	}
	if resp.StatusCode >= 500 {
		return nil, 0, faults.Transientf("module %s: status %d", m.name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, faults.Permanentf("module %s: status %d", m.name, resp.StatusCode)
	}

	var out struct {
		Payload    json.RawMessage `json:"payload"`
		Confidence float64         `json:"confidence"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, 0, faults.Permanent(fmt.Errorf("module %s: decode response: %w", m.name, err))
	}
	return out.Payload, out.Confidence, nil
}
