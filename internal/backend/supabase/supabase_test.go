package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL, AnonKey: "anon", AccessToken: "jwt"})
	require.NoError(t, err)
	return c
}

// TestClient_Select verifies filters become eq conditions.
func TestClient_Select(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/areas", r.URL.Path)
		assert.Equal(t, "eq.p1", r.URL.Query().Get("project_id"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[{"id":"a1","project_id":"p1","status":"working"}]`)
	})

	rows, err := c.Select(context.Background(), models.CollectionAreas, backend.Eq("project_id", "p1"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "working", rows[0]["status"])
}

// TestClient_InsertUpdateDelete verifies write requests ask for the stored row.
func TestClient_InsertUpdateDelete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "act-1", body["client_ref"])
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `[{"id":"ticket-9f2a","client_ref":"act-1"}]`)
		case http.MethodPatch:
			assert.Equal(t, "eq.ticket-9f2a", r.URL.Query().Get("id"))
			_, _ = io.WriteString(w, `[{"id":"ticket-9f2a","status":"submitted"}]`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	row, err := c.Insert(ctx, models.CollectionTMTickets, backend.Row{"client_ref": "act-1"})
	require.NoError(t, err)
	assert.Equal(t, "ticket-9f2a", row["id"])

	row, err = c.Update(ctx, models.CollectionTMTickets, "ticket-9f2a", backend.Row{"status": "submitted"})
	require.NoError(t, err)
	assert.Equal(t, "submitted", row["status"])

	require.NoError(t, c.Delete(ctx, models.CollectionTMTickets, "ticket-9f2a"))
}

// TestClient_Errors verifies response classification.
func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		kind     backend.Kind
		conflict bool
	}{
		{"unique", http.StatusConflict, `{"code":"23505","message":"duplicate key"}`, backend.KindPermanent, true},
		{"check", http.StatusBadRequest, `{"code":"23514","message":"violates check"}`, backend.KindPermanent, false},
		{"unavailable", http.StatusServiceUnavailable, `upstream down`, backend.KindTransient, false},
		{"rate", http.StatusTooManyRequests, ``, backend.KindTransient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.Insert(context.Background(), models.CollectionMessages, backend.Row{"body": "x"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, backend.KindOf(err))
			assert.Equal(t, tt.conflict, backend.IsConflict(err))
		})
	}
}

// TestClient_EmptyUpdate verifies an update matching no row is permanent.
func TestClient_EmptyUpdate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	_, err := c.Update(context.Background(), models.CollectionAreas, "gone", backend.Row{"status": "done"})
	assert.Equal(t, backend.KindPermanent, backend.KindOf(err))
}

// TestClient_Unreachable verifies transport failures are transient.
func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c, err := New(Config{URL: srv.URL, AnonKey: "anon"})
	require.NoError(t, err)
	srv.Close()

	_, err = c.Select(context.Background(), models.CollectionAreas, nil)
	assert.Equal(t, backend.KindTransient, backend.KindOf(err))
	assert.Equal(t, backend.KindTransient, backend.KindOf(c.Ping(context.Background())))
}

// TestClient_Ping verifies the health endpoint is used.
func TestClient_Ping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, c.Ping(context.Background()))
}

// TestNew_InvalidURL verifies configuration errors surface early.
func TestNew_InvalidURL(t *testing.T) {
	_, err := New(Config{URL: "not a url"})
	assert.Error(t, err)
}

// TestStorage_Upload verifies the signed PUT request.
func TestStorage_Upload(t *testing.T) {
	var got struct {
		path, auth, date, hash, contentType string
		body                                []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.date = r.Header.Get("X-Amz-Date")
		got.hash = r.Header.Get("X-Amz-Content-Sha256")
		got.contentType = r.Header.Get("Content-Type")
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewStorage(StorageConfig{
		Endpoint:  srv.URL + "/storage/v1/s3",
		Bucket:    "photos",
		Region:    "us-west-2",
		AccessKey: "AKID",
		SecretKey: "secret",
		PublicURL: "https://cdn.example.com/photos",
	})
	s.now = func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) }

	ref, err := s.Upload(context.Background(), "tickets/t1/a.jpg", "image/jpeg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/photos/tickets/t1/a.jpg", ref)
	assert.Equal(t, "/storage/v1/s3/photos/tickets/t1/a.jpg", got.path)
	assert.Equal(t, "20261019T080000Z", got.date)
	assert.Equal(t, "image/jpeg", got.contentType)
	assert.Equal(t, []byte("jpeg"), got.body)
	assert.Len(t, got.hash, 64)
	assert.True(t, strings.HasPrefix(got.auth, "AWS4-HMAC-SHA256 Credential=AKID/20261019/us-west-2/s3/aws4_request"))
	assert.Contains(t, got.auth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
}

// TestStorage_UploadRejected verifies error classification for uploads.
func TestStorage_UploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "<Error>AccessDenied</Error>")
	}))
	defer srv.Close()

	s := NewStorage(StorageConfig{Endpoint: srv.URL, Bucket: "photos"})
	_, err := s.Upload(context.Background(), "a.jpg", "", []byte("x"))
	assert.Equal(t, backend.KindPermanent, backend.KindOf(err))
}

// TestRealtime_Subscribe verifies joins and change delivery.
func TestRealtime_Subscribe(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan phoenix, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/v1/websocket", r.URL.Path)
		assert.Equal(t, "anon", r.URL.Query().Get("apikey"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join phoenix
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		joined <- join
		_ = conn.WriteJSON(phoenix{Topic: join.Topic, Event: "phx_reply", Ref: join.Ref,
			Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
		_ = conn.WriteJSON(phoenix{Topic: join.Topic, Event: "postgres_changes",
			Payload: json.RawMessage(`{"data":{"type":"UPDATE","table":"areas","commit_timestamp":"2026-10-19T08:00:00Z","record":{"id":"a1","project_id":"p2"}}}`)})
		_ = conn.WriteJSON(phoenix{Topic: join.Topic, Event: "postgres_changes",
			Payload: json.RawMessage(`{"data":{"type":"UPDATE","table":"areas","commit_timestamp":"2026-10-19T08:00:01Z","record":{"id":"a1","project_id":"p1","status":"done"}}}`)})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rt := NewRealtime(RealtimeConfig{URL: srv.URL, AnonKey: "anon"})
	defer rt.Close()

	var mu sync.Mutex
	var changes []backend.Change
	unsubscribe, err := rt.Subscribe(context.Background(), models.CollectionAreas, backend.Eq("project_id", "p1"), func(c backend.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case join := <-joined:
		assert.Equal(t, "phx_join", join.Event)
		assert.Contains(t, string(join.Payload), `"filter":"project_id=eq.p1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no join received")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, backend.ChangeUpdate, changes[0].Type)
	assert.Equal(t, "done", changes[0].Record["status"])
	assert.False(t, changes[0].CommitTimestamp.IsZero())
}
