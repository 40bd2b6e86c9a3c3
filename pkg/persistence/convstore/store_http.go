package convstore

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatstream/pkg/reqclient"
)

// HTTPStore talks to a remote conversation service through the resilient
// request client, so every call gets the configured timeout and retries.
type HTTPStore struct {
	baseURL string
	token   string
	client  *reqclient.Client
	cfg     reqclient.Config
}

var _ Store = &HTTPStore{}

type HTTPStoreOptions struct {
	BaseURL string
	Token   string
	Client  *reqclient.Client
	Request reqclient.Config
}

func NewHTTPStore(opts HTTPStoreOptions) (*HTTPStore, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("http conversation store: empty base url")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.Wrap(err, "http conversation store: parse base url")
	}
	client := opts.Client
	if client == nil {
		client = reqclient.New(nil)
	}
	return &HTTPStore{baseURL: base, token: opts.Token, client: client, cfg: opts.Request}, nil
}

func (s *HTTPStore) Close() error { return nil }

func (s *HTTPStore) convURL(convID string, suffix ...string) string {
	parts := append([]string{s.baseURL, "conversations", url.PathEscape(convID)}, suffix...)
	return strings.Join(parts, "/")
}

type createConversationRequest struct {
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

type createConversationResponse struct {
	ID string `json:"id"`
}

type appendMessagesRequest struct {
	Messages []Message `json:"messages"`
}

func (s *HTTPStore) CreateConversation(ctx context.Context, title string, messages []Message) (string, error) {
	body := createConversationRequest{Title: title, Messages: NormalizeMessages(messages, time.Now())}
	res := s.client.PostJSON(ctx, s.baseURL+"/conversations", body, s.token, s.cfg)
	var out createConversationResponse
	if err := res.Decode(&out); err != nil {
		return "", wrapHTTPError(err, "create conversation")
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.Wrap(reqclient.ErrInvalidResponse, "http conversation store: create conversation returned no id")
	}
	return out.ID, nil
}

func (s *HTTPStore) AppendMessages(ctx context.Context, convID string, messages []Message) error {
	convID, err := validateConvID(convID)
	if err != nil {
		return errors.Wrap(err, "http conversation store")
	}
	body := appendMessagesRequest{Messages: NormalizeMessages(messages, time.Now())}
	res := s.client.PostJSON(ctx, s.convURL(convID, "messages"), body, s.token, s.cfg)
	return wrapHTTPError(res.AsError(), "append messages")
}

func (s *HTTPStore) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	convID, err := validateConvID(convID)
	if err != nil {
		return nil, errors.Wrap(err, "http conversation store")
	}
	res := s.client.GetJSON(ctx, s.convURL(convID), s.token, s.cfg)
	var out Conversation
	if err := res.Decode(&out); err != nil {
		return nil, wrapHTTPError(err, "get conversation")
	}
	if out.ID == "" {
		out.ID = convID
	}
	return &out, nil
}

func (s *HTTPStore) GetMessages(ctx context.Context, convID string) ([]Message, error) {
	convID, err := validateConvID(convID)
	if err != nil {
		return nil, errors.Wrap(err, "http conversation store")
	}
	res := s.client.GetJSON(ctx, s.convURL(convID, "messages"), s.token, s.cfg)
	out := []Message{}
	if err := res.Decode(&out); err != nil {
		return nil, wrapHTTPError(err, "get messages")
	}
	return out, nil
}

func (s *HTTPStore) DeleteConversation(ctx context.Context, convID string) error {
	convID, err := validateConvID(convID)
	if err != nil {
		return errors.Wrap(err, "http conversation store")
	}
	res := s.client.DeleteJSON(ctx, s.convURL(convID), s.token, s.cfg)
	return wrapHTTPError(res.AsError(), "delete conversation")
}

func wrapHTTPError(err error, op string) error {
	if err == nil {
		return nil
	}
	if reqclient.StatusOf(err) == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "http conversation store: %s: %v", op, err)
	}
	return errors.Wrapf(err, "http conversation store: %s", op)
}
