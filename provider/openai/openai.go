package openai_provider

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

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

// CompletionRequest is a single chat-completion call. PriorPromptText, when
// set, is replayed verbatim ahead of the new prompt so the API sees the call
// as a continuation of an earlier request and can serve the shared prefix
// from prompt cache.
type CompletionRequest struct {
	Model           string
	System          string
	Prompt          string
	PriorPromptText string
	Temperature     float64
	MaxTokens       int
}

// CompletionResponse carries the model output and token accounting.
type CompletionResponse struct {
	Content          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// TransientError marks an upstream failure that was retried here and may
// succeed on a later cycle attempt (rate limit, overload, timeout).
type TransientError struct {
	StatusCode int
	Err        error
}

func (e TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream status %d: %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

func (e TransientError) Unwrap() error { return e.Err }

// Transient reports retryability; checked by the stage runner's classifier.
func (e TransientError) Transient() bool { return true }

// Client implements chat completions against OpenAI-compatible APIs.
type Client struct {
	apiKey     string
	apiURL     string
	maxRetries int
	httpClient *http.Client
}

// NewClient creates an OpenAI-compatible client.
func NewClient(apiKey, baseURL string, maxRetries int, timeout time.Duration) *Client {
	apiURL := defaultAPIURL
	if baseURL != "" {
		apiURL = strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		apiKey:     apiKey,
		apiURL:     apiURL,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type apiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends a chat-completion request, retrying transient upstream
// failures with exponential backoff.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var messages []message
	if req.System != "" {
		messages = append(messages, message{Role: "system", Content: req.System})
	}
	if req.PriorPromptText != "" {
		// Continuation prefix: identical bytes as the earlier call so the
		// transport-side prompt cache hits.
		messages = append(messages, message{Role: "user", Content: req.PriorPromptText})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(apiRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return CompletionResponse{}, ctx.Err()
			}
			backoff *= 2
		}

		resp, retryable, err := c.doRequest(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{}, lastErr
}

func (c *Client) doRequest(ctx context.Context, body []byte) (CompletionResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, true, TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return CompletionResponse{}, true, TransientError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return CompletionResponse{}, false, fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return CompletionResponse{}, false, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, false, fmt.Errorf("response contained no choices")
	}
	return CompletionResponse{
		Content:          parsed.Choices[0].Message.Content,
		Model:            parsed.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, false, nil
}
