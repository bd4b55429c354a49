package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/domain"
)

func newTestServer(t *testing.T, hub *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("org") == "" {
			hub.Reject(w, r, "Invalid token")
			return
		}
		_ = hub.Serve(w, r, q.Get("org"), q.Get("user"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubBroadcastIsTenantScoped(t *testing.T) {
	hub := NewHub(nil)
	url := newTestServer(t, hub)

	a1 := dial(t, url+"?org=acme&user=u1")
	a2 := dial(t, url+"?org=acme&user=u2")
	b := dial(t, url+"?org=globex&user=u3")
	require.Eventually(t, func() bool { return hub.Count("") == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, hub.Count("acme"))

	n := hub.Broadcast("acme", Message{Type: "task_update", Data: map[string]any{"id": 1}})
	require.Equal(t, 2, n)
	for _, c := range []*websocket.Conn{a1, a2} {
		msg := readMessage(t, c)
		require.Equal(t, "task_update", msg.Type)
	}

	require.NoError(t, b.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := b.ReadMessage()
	require.Error(t, err)
}

func TestHubRepliesPong(t *testing.T) {
	hub := NewHub(nil)
	url := newTestServer(t, hub)
	conn := dial(t, url+"?org=acme&user=u1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	msg := readMessage(t, conn)
	require.Equal(t, "pong", msg.Type)
	require.Equal(t, "Connected", msg.Message)
}

func TestHubSendToUser(t *testing.T) {
	hub := NewHub(nil)
	url := newTestServer(t, hub)
	first := dial(t, url+"?org=acme&user=u1")
	second := dial(t, url+"?org=acme&user=u1")
	dial(t, url+"?org=acme&user=u2")
	require.Eventually(t, func() bool { return hub.Count("acme") == 3 }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, hub.SendToUser("acme", "u1", Message{Type: "notice"}))
	require.Equal(t, "notice", readMessage(t, first).Type)
	require.Equal(t, "notice", readMessage(t, second).Type)
	require.Zero(t, hub.SendToUser("acme", "nobody", Message{Type: "notice"}))
}

func TestHubDisconnect(t *testing.T) {
	hub := NewHub(nil)
	url := newTestServer(t, hub)
	conn := dial(t, url+"?org=acme&user=u1")
	require.Eventually(t, func() bool { return hub.Count("acme") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count("acme") == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, hub.Broadcast("acme", Message{Type: "task_update"}))
}

func TestHubRejectClosesWithPolicyViolation(t *testing.T) {
	hub := NewHub(nil)
	url := newTestServer(t, hub)
	conn := dial(t, url)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

type fakeSource struct {
	events []domain.Event
}

func (f *fakeSource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range f.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) LatestEventID(context.Context) (int64, error) {
	if len(f.events) == 0 {
		return 0, nil
	}
	return f.events[len(f.events)-1].ID, nil
}

func TestRelaySkipsBacklogAndFilters(t *testing.T) {
	hub := NewHub(nil)
	url := newTestServer(t, hub)
	conn := dial(t, url+"?org=acme&user=u1")
	require.Eventually(t, func() bool { return hub.Count("acme") == 1 }, 2*time.Second, 10*time.Millisecond)

	src := &fakeSource{events: []domain.Event{{ID: 1, OrgID: "acme", Type: domain.EventTaskCreated}}}
	relay := &Relay{Source: src, Hub: hub, Batch: 10}
	ctx := context.Background()

	n, err := relay.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, int64(1), relay.Cursor())

	src.events = append(src.events,
		domain.Event{ID: 2, OrgID: "acme", Type: domain.EventProjectCreated},
		domain.Event{ID: 3, OrgID: "globex", Type: domain.EventTaskCreated},
		domain.Event{ID: 4, OrgID: "acme", Type: domain.EventTaskCompleted, SubjectID: "t-1"},
	)
	n, err = relay.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, int64(4), relay.Cursor())

	msg := readMessage(t, conn)
	require.Equal(t, "task_update", msg.Type)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "task_completed", data["event_type"])
	require.Equal(t, "t-1", data["subject_id"])
}
