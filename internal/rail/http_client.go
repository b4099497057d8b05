package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a rail gateway exposing POST /v1/payments.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient calls the rail at baseURL with apiKey as bearer token.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type payRequestBody struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

type payResponseBody struct {
	Success bool   `json:"success"`
	Receipt string `json:"receipt"`
	Fee     int64  `json:"fee"`
	Error   string `json:"error"`
}

func (c *HTTPClient) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	body, err := json.Marshal(payRequestBody{Address: req.Address, Amount: req.Amount})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	var out payResponseBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
		}
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("%w: status %d %s", ErrTransient, resp.StatusCode, out.Error)
	case resp.StatusCode >= 400:
		return nil, &PermanentError{Reason: fmt.Sprintf("status %d %s", resp.StatusCode, out.Error)}
	}

	if !out.Success {
		if out.Error == "" {
			return nil, fmt.Errorf("%w: failure reported without reason", ErrTransient)
		}
		return nil, &PermanentError{Reason: out.Error}
	}
	return &PayResult{Receipt: out.Receipt, Fee: out.Fee}, nil
}
