package reqclient

import (
	"context"
	"net/http"
	"strings"
)

func jsonHeaders(token string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if token = strings.TrimSpace(token); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func (c *Client) GetJSON(ctx context.Context, url, token string, cfg Config) *Result {
	return c.Do(ctx, url, Options{Method: http.MethodGet, Headers: jsonHeaders(token)}, cfg)
}

func (c *Client) PostJSON(ctx context.Context, url string, body any, token string, cfg Config) *Result {
	return c.Do(ctx, url, Options{Method: http.MethodPost, Headers: jsonHeaders(token), Body: body}, cfg)
}

func (c *Client) PutJSON(ctx context.Context, url string, body any, token string, cfg Config) *Result {
	return c.Do(ctx, url, Options{Method: http.MethodPut, Headers: jsonHeaders(token), Body: body}, cfg)
}

func (c *Client) DeleteJSON(ctx context.Context, url, token string, cfg Config) *Result {
	return c.Do(ctx, url, Options{Method: http.MethodDelete, Headers: jsonHeaders(token)}, cfg)
}
