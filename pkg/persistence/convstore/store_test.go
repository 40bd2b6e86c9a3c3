package convstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatstream/pkg/reqclient"
)

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	id, err := s.CreateConversation(ctx, "Greeting", []Message{
		{ID: "m1", Role: RoleUser, Content: "hi"},
		{ID: "m2", Role: RoleAssistant, Content: "hello"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.AppendMessages(ctx, id, []Message{{ID: "m3", Role: RoleUser, Content: "how are you"}}))
	// retried append of the same message must not duplicate it
	require.NoError(t, s.AppendMessages(ctx, id, []Message{{ID: "m3", Role: RoleUser, Content: "how are you"}}))
	require.NoError(t, s.AppendMessages(ctx, id, []Message{{Role: RoleAssistant, Content: "fine"}}))

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, conv.ID)
	require.Equal(t, "Greeting", conv.Title)
	require.Len(t, conv.Messages, 4)
	require.Equal(t, []string{"hi", "hello", "how are you", "fine"}, contents(conv.Messages))
	require.NotEmpty(t, conv.Messages[3].ID)
	require.False(t, conv.Messages[3].CreatedAt.IsZero())

	msgs, err := s.GetMessages(ctx, id)
	require.NoError(t, err)
	require.Equal(t, contents(conv.Messages), contents(msgs))

	err = s.AppendMessages(ctx, "missing", []Message{{Role: RoleUser, Content: "x"}})
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = s.GetConversation(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	require.NoError(t, s.DeleteConversation(ctx, id))
	_, err = s.GetConversation(ctx, id)
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	require.True(t, errors.Is(s.DeleteConversation(ctx, id), ErrNotFound))
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewInMemoryStore())
}

func TestSQLiteStore_Contract(t *testing.T) {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	runStoreContract(t, s)
}

func TestSQLiteStore_Validation(t *testing.T) {
	_, err := SQLiteDSNForFile(" ")
	require.Error(t, err)
	_, err = NewSQLiteStore("")
	require.Error(t, err)
}

// remoteStore exposes an InMemoryStore over the REST shape HTTPStore expects.
func remoteStore(t *testing.T, backing Store, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failFirst {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ctx := r.Context()
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		writeErr := func(err error) {
			if errors.Is(err, ErrNotFound) {
				http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		switch {
		case r.Method == http.MethodPost && len(parts) == 1:
			var body createConversationRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			id, err := backing.CreateConversation(ctx, body.Title, body.Messages)
			if err != nil {
				writeErr(err)
				return
			}
			_ = json.NewEncoder(w).Encode(createConversationResponse{ID: id})
		case r.Method == http.MethodPost && len(parts) == 3:
			var body appendMessagesRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if err := backing.AppendMessages(ctx, parts[1], body.Messages); err != nil {
				writeErr(err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && len(parts) == 2:
			conv, err := backing.GetConversation(ctx, parts[1])
			if err != nil {
				writeErr(err)
				return
			}
			_ = json.NewEncoder(w).Encode(conv)
		case r.Method == http.MethodGet && len(parts) == 3:
			msgs, err := backing.GetMessages(ctx, parts[1])
			if err != nil {
				writeErr(err)
				return
			}
			_ = json.NewEncoder(w).Encode(msgs)
		case r.Method == http.MethodDelete && len(parts) == 2:
			if err := backing.DeleteConversation(ctx, parts[1]); err != nil {
				writeErr(err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPStore_Contract(t *testing.T) {
	srv, _ := remoteStore(t, NewInMemoryStore(), 0)
	s, err := NewHTTPStore(HTTPStoreOptions{BaseURL: srv.URL + "/", Token: "tok"})
	require.NoError(t, err)

	runStoreContract(t, s)
}

func TestHTTPStore_RetriesTransientFailures(t *testing.T) {
	srv, calls := remoteStore(t, NewInMemoryStore(), 1)
	s, err := NewHTTPStore(HTTPStoreOptions{
		BaseURL: srv.URL,
		Token:   "tok",
		Request: reqclient.Config{Retries: 1, RetryDelay: time.Millisecond},
	})
	require.NoError(t, err)

	id, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, int32(2), calls.Load())
}

func TestHTTPStore_DoesNotRetryUnauthorized(t *testing.T) {
	srv, calls := remoteStore(t, NewInMemoryStore(), 0)
	s, err := NewHTTPStore(HTTPStoreOptions{
		BaseURL: srv.URL,
		Token:   "wrong",
		Request: reqclient.Config{Retries: 3, RetryDelay: time.Millisecond},
	})
	require.NoError(t, err)

	_, err = s.CreateConversation(context.Background(), "t", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, reqclient.StatusOf(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestNewHTTPStore_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPStore(HTTPStoreOptions{})
	require.ErrorContains(t, err, "empty base url")
}
