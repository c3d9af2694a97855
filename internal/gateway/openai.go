package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// openaiAPIURL and openaiEmbeddingsURL are vars to allow test overrides via httptest.
var (
	openaiAPIURL        = "https://api.openai.com/v1/chat/completions"
	openaiEmbeddingsURL = "https://api.openai.com/v1/embeddings"
)

// OpenAIAPIURL returns the current OpenAI chat completions endpoint URL.
func OpenAIAPIURL() string { return openaiAPIURL }

// SetOpenAIAPIURL overrides the OpenAI chat completions endpoint URL.
// Intended for use in tests only.
func SetOpenAIAPIURL(u string) { openaiAPIURL = u }

// OpenAIEmbeddingsURL returns the current OpenAI embeddings endpoint URL.
func OpenAIEmbeddingsURL() string { return openaiEmbeddingsURL }

// SetOpenAIEmbeddingsURL overrides the OpenAI embeddings endpoint URL.
// Intended for use in tests only.
func SetOpenAIEmbeddingsURL(u string) { openaiEmbeddingsURL = u }

type openaiProvider struct {
	model  string
	apiKey string // unexported; never serialized by encoding/json
	opts   GenerateOptions
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Error *openaiError `json:"error"`
}

func (p *openaiProvider) ModelID() string { return "openai:" + p.model }

func (p *openaiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	body := openaiRequest{
		Model:    p.model,
		Messages: []openaiMessage{{Role: "user", Content: prompt}},
	}
	if p.opts.Temperature != nil {
		t := *p.opts.Temperature
		body.Temperature = &t
	}
	if p.opts.MaxTokens > 0 {
		body.MaxTokens = p.opts.MaxTokens
	}

	var oaiResp openaiResponse
	if err := postJSON(ctx, openaiAPIURL, p.apiKey, body, &oaiResp, ErrGenerationUnavailable, func() *openaiError { return oaiResp.Error }); err != nil {
		return "", err
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai: empty choices in response", ErrGenerationUnavailable)
	}
	return oaiResp.Choices[0].Message.Content, nil
}

type openaiEmbedder struct {
	model  string
	apiKey string
}

type openaiEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *openaiError `json:"error"`
}

func (e *openaiEmbedder) ModelID() string { return "openai:" + e.model }

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body := openaiEmbeddingRequest{Model: e.model, Input: []string{text}}
	var er openaiEmbeddingResponse
	if err := postJSON(ctx, openaiEmbeddingsURL, e.apiKey, body, &er, ErrEmbeddingUnavailable, func() *openaiError { return er.Error }); err != nil {
		return nil, err
	}
	if len(er.Data) == 0 || len(er.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: openai: empty embedding in response", ErrEmbeddingUnavailable)
	}
	return er.Data[0].Embedding, nil
}

// postJSON sends body to url with bearer auth and decodes a 200 response into
// out. Every failure wraps kind. apiError reads the decoded error field.
func postJSON(ctx context.Context, url, apiKey string, body, out any, kind error, apiError func() *openaiError) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshaling request: %v", kind, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("%w: creating HTTP request: %v", kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := sharedHTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: openai: HTTP request failed: %w", kind, err)
	}
	defer resp.Body.Close()

	const maxBodyBytes = 10 * 1024 * 1024 // 10 MiB
	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: openai: reading response body: %w", kind, err)
	}
	respStr := string(respBytes)

	if err := json.Unmarshal(respBytes, out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Provider: "openai", StatusCode: resp.StatusCode, Message: truncate(respStr, 200), kind: kind}
		}
		return fmt.Errorf("%w: openai: parsing response JSON (body: %s): %v", kind, truncate(respStr, 200), err)
	}

	// Check status code first, then structured error field.
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Provider: "openai", StatusCode: resp.StatusCode, Message: truncate(respStr, 200), kind: kind}
		if e := apiError(); e != nil {
			apiErr.Type, apiErr.Message = e.Type, e.Message
		}
		return apiErr
	}
	return nil
}
