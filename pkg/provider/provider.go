// Package provider opens streaming chat completions against an
// OpenAI-compatible endpoint and decodes the chunked event stream.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

const DefaultBaseURL = "https://api.openai.com/v1"

var ErrUnexpectedStatus = errors.New("provider returned unexpected status")

type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512]
	}
	if body == "" {
		return fmt.Sprintf("%s: %d", ErrUnexpectedStatus, e.Status)
	}
	return fmt.Sprintf("%s: %d: %s", ErrUnexpectedStatus, e.Status, body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

type ChatRequest struct {
	Model    string
	APIKey   string
	Messages []openai.ChatCompletionMessage
}

// Provider opens a streaming completion. The returned body is bound to ctx:
// cancelling ctx aborts the read in progress.
type Provider interface {
	StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
}

type OpenAIProvider struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

var _ Provider = &OpenAIProvider{}

// NewOpenAI builds a provider. The HTTP client must not carry a global
// timeout: completions stream for as long as the model keeps talking.
func NewOpenAI(baseURL string, httpClient *http.Client, extraHeaders http.Header) *OpenAIProvider {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIProvider{baseURL: baseURL, httpClient: httpClient, headers: extraHeaders.Clone()}
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("provider: empty model")
	}
	body, err := json.Marshal(openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "provider: encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "provider: build request")
	}
	for k, vs := range p.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if key := strings.TrimSpace(req.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "provider: request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}
	return resp.Body, nil
}
