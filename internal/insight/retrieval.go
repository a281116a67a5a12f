package insight

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

// HTTPRetrievalTool calls the semantic retrieval service over HTTP. The
// service is a black box returning ranked entities; ranking internals live
// on the other side of this boundary.
type HTTPRetrievalTool struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPRetrievalTool creates a retrieval client.
func NewHTTPRetrievalTool(baseURL, apiKey string, timeout time.Duration) *HTTPRetrievalTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRetrievalTool{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute posts the retrieval request and decodes the ranked result set.
func (t *HTTPRetrievalTool) Execute(ctx context.Context, req RetrievalRequest) (RetrievalResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RetrievalResult{}, fmt.Errorf("marshal retrieval request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/retrieve", bytes.NewReader(body))
	if err != nil {
		return RetrievalResult{}, fmt.Errorf("create retrieval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return RetrievalResult{}, fmt.Errorf("retrieval request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RetrievalResult{}, fmt.Errorf("retrieval service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result RetrievalResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return RetrievalResult{}, fmt.Errorf("decode retrieval response: %w", err)
	}
	return result, nil
}
