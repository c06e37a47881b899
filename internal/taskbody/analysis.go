package taskbody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"blueprintr/extraction-service/internal/classify"
)

// Analysis sends a drawing reference to the external drawing-analysis
// service and returns its response verbatim. The HTTP status code carries
// the retry classification: 429 is a rate limit, other 4xx are input
// defects, 5xx and transport failures are transient.
type Analysis struct {
	baseURL string
	client  *http.Client
}

// NewAnalysis creates the analysis task body for the service at baseURL.
func NewAnalysis(baseURL string) *Analysis {
	return &Analysis{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

var _ TaskBody = (*Analysis)(nil)

type analysisRequest struct {
	InputRef string          `json:"input_ref"`
	Options  json.RawMessage `json:"options,omitempty"`
}

func (a *Analysis) Execute(ctx context.Context, in Input, report ProgressFunc) (json.RawMessage, error) {
	payload, err := json.Marshal(analysisRequest{InputRef: in.Ref, Options: in.Options})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	report(10)

	resp, err := a.client.Do(req)
	if err != nil {
		// Transport-level failures are transient by default.
		return nil, fmt.Errorf("call analysis service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read analysis response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: analysis service returned 429", classify.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: analysis service returned %d", classify.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("%w: analysis service returned 413", classify.ErrInputTooLarge)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, classify.Permanent(fmt.Errorf("analysis service rejected input: %d %s", resp.StatusCode, truncate(body, 200)))
	default:
		return nil, classify.Retryable(fmt.Errorf("analysis service unavailable: %d", resp.StatusCode))
	}

	report(100)

	if !json.Valid(body) {
		return nil, classify.Retryable(fmt.Errorf("analysis service returned non-JSON body"))
	}
	return json.RawMessage(body), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
