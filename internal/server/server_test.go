package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/analytics"
	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/jobs"
	"taskpulse/internal/live"
	"taskpulse/internal/migrate"
	"taskpulse/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Hub    *live.Hub
	Org    domain.Organization
	Admin  domain.User
	Member domain.User
	Other  domain.User
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) token(t *testing.T, u domain.User) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, u.ID, u.OrgID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func newTestServer(t *testing.T, tweak func(*Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, db.SQLite)
	ctx := context.Background()
	org, err := e.CreateOrg(ctx, engine.OrgCreateOptions{Name: "Acme"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	admin, err := e.CreateUser(ctx, engine.UserCreateOptions{ID: "u-admin", OrgID: org.ID, Email: "admin@acme.test", FullName: "Ada Admin", IsAdmin: true})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	member, err := e.CreateUser(ctx, engine.UserCreateOptions{ID: "u-member", OrgID: org.ID, Email: "mia@acme.test"})
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	globex, err := e.CreateOrg(ctx, engine.OrgCreateOptions{Name: "Globex"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	other, err := e.CreateUser(ctx, engine.UserCreateOptions{ID: "u-globex", OrgID: globex.ID, Email: "hank@globex.test", IsAdmin: true})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	hub := live.NewHub(nil)
	cfg := Config{
		Engine:   e,
		Hub:      hub,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, DevAuth: true, TokenTTL: time.Hour},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Hub:    hub,
		Org:    org,
		Admin:  admin,
		Member: member,
		Other:  other,
		client: &http.Client{},
		close: func() {
			hub.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func requireError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	require.Equal(t, status, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	require.Equal(t, code, env.Error.Code, string(data))
}

func (s *testServer) createProject(t *testing.T, headers map[string]string, name string) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/projects", map[string]any{"name": name}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[ProjectResponse](t, data)
}

func (s *testServer) createTask(t *testing.T, headers map[string]string, projectID string, body map[string]any) TaskResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/projects/"+projectID+"/tasks", body, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[TaskResponse](t, data)
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), `"ok"`)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	requireError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer garbage"})
	requireError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestTokenForAnotherOrgIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	tok, err := SignToken(testSecret, srv.Admin.ID, srv.Other.OrgID, time.Hour, time.Now())
	require.NoError(t, err)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + tok})
	requireError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestMeAndDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"user_id": srv.Member.ID}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	login := decode[DevLoginResponse](t, data)
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[MeResponse](t, data)
	require.Equal(t, srv.Member.ID, me.UserID)
	require.Equal(t, srv.Org.ID, me.OrgID)
	require.False(t, me.IsAdmin)
	require.NotContains(t, me.Permissions, "jobs.run")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"user_id": "ghost"}, nil)
	requireError(t, res, data, http.StatusNotFound, "not_found")
}

func TestDevLoginDisabled(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.Auth.DevAuth = false })
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"user_id": srv.Admin.ID}, nil)
	require.NotEqual(t, http.StatusOK, res.StatusCode)
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    srv.Member.ID,
		Name:      "ci",
		KeyHash:   repo.HashAPIKey("tp_secret"),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "tp_secret"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, srv.Member.ID, decode[MeResponse](t, data).UserID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "wrong"})
	requireError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestTaskFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	admin := srv.token(t, srv.Admin)

	project := srv.createProject(t, admin, "Launch")
	require.Equal(t, srv.Org.ID, project.OrgID)
	require.Equal(t, srv.Admin.ID, project.OwnerID)

	task := srv.createTask(t, admin, project.ID, map[string]any{
		"title":       "Write docs",
		"priority":    "high",
		"assignee_id": srv.Member.ID,
		"price":       12.5,
	})
	require.Equal(t, "todo", task.Status)
	require.NotNil(t, task.Price)
	require.InDelta(t, 12.5, *task.Price, 0.001)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/tasks/"+task.ID, map[string]any{"status": "done"}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	done := decode[TaskResponse](t, data)
	require.Equal(t, "done", done.Status)
	require.NotNil(t, done.CompletedAt)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/tasks/"+task.ID, map[string]any{"assignee_id": nil, "price": nil}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	cleared := decode[TaskResponse](t, data)
	require.Nil(t, cleared.AssigneeID)
	require.Nil(t, cleared.Price)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/tasks/"+task.ID, map[string]any{"assignee_id": srv.Other.ID}, admin)
	requireError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?limit=10", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	evts := decode[paginatedEvents](t, data)
	var types []string
	for _, e := range evts.Items {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{"task_updated", "task_completed", "task_created", "project_created"}, types)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/analytics/dashboard?days=7", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	dash := decode[domain.DashboardMetrics](t, data)
	require.Equal(t, 1, dash.TotalTasks)
	require.Equal(t, 1, dash.TasksByStatus["done"])
	require.Equal(t, 1, dash.TasksCompletedToday)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/archive", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.True(t, decode[TaskResponse](t, data).IsArchived)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Empty(t, decode[paginatedTasks](t, data).Items)

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/tasks/"+task.ID, nil, admin)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+task.ID, nil, admin)
	requireError(t, res, data, http.StatusNotFound, "not_found")
}

func TestTaskListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	member := srv.token(t, srv.Member)
	project := srv.createProject(t, member, "Ops")
	seen := map[string]bool{}
	for _, title := range []string{"a", "b", "c"} {
		srv.createTask(t, member, project.ID, map[string]any{"title": title})
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?limit=2", nil, member)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedTasks](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	for _, it := range page.Items {
		seen[it.ID] = true
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?limit=2&cursor="+page.NextCursor, nil, member)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = decode[paginatedTasks](t, data)
	require.Len(t, page.Items, 1)
	require.Empty(t, page.NextCursor)
	require.False(t, seen[page.Items[0].ID])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?cursor=broken", nil, member)
	requireError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestProjectLimitReached(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	admin := srv.token(t, srv.Admin)
	for i := 0; i < srv.Org.MaxProjects; i++ {
		srv.createProject(t, admin, "P"+string(rune('A'+i)))
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{"name": "One too many"}, admin)
	requireError(t, res, data, http.StatusForbidden, "limit_reached")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/subscription", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	sub := decode[SubscriptionResponse](t, data)
	require.Equal(t, "free", sub.Tier)
	require.Equal(t, srv.Org.MaxProjects, sub.Usage.Projects)
	require.Equal(t, 2, sub.Usage.Users)
}

func TestTenantIsolation(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	admin := srv.token(t, srv.Admin)
	other := srv.token(t, srv.Other)
	project := srv.createProject(t, admin, "Secret")
	task := srv.createTask(t, admin, project.ID, map[string]any{"title": "hidden"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+task.ID, nil, other)
	requireError(t, res, data, http.StatusNotFound, "not_found")
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+project.ID, nil, other)
	requireError(t, res, data, http.StatusNotFound, "not_found")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/tasks", map[string]any{"title": "sneaky"}, other)
	requireError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, other)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Empty(t, decode[paginatedTasks](t, data).Items)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/analytics/dashboard", nil, other)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Zero(t, decode[domain.DashboardMetrics](t, data).TotalTasks)
}

func TestAnalyticsWindowValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	member := srv.token(t, srv.Member)

	for _, days := range []string{"0", "366", "-1", "abc", "2.5"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/analytics/timeseries?days="+days, nil, member)
		requireError(t, res, data, http.StatusBadRequest, "bad_request")
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/analytics/dashboard?days="+days, nil, member)
		requireError(t, res, data, http.StatusBadRequest, "bad_request")
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/analytics/timeseries?days=7", nil, member)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	points := decode[[]domain.TimeSeriesPoint](t, data)
	require.Len(t, points, 7)
	require.Equal(t, time.Now().UTC().Format(time.DateOnly), points[6].Date)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/analytics/timeseries", nil, member)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Len(t, decode[[]domain.TimeSeriesPoint](t, data), analytics.DefaultWindowDays)
}

type blockingStore struct {
	analytics.Store
}

func (blockingStore) TaskHistograms(ctx context.Context, _ string) (map[string]int, map[string]int, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func TestAnalyticsTimeoutIsRetryable(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.Analytics = analytics.Aggregator{Store: blockingStore{}, Timeout: 20 * time.Millisecond}
	})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/analytics/dashboard", nil, srv.token(t, srv.Member))
	requireError(t, res, data, http.StatusServiceUnavailable, "timeout")
	require.Equal(t, true, decode[errorEnvelope](t, data).Error.Details["retryable"])
}

func TestJobsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	admin := srv.token(t, srv.Admin)
	member := srv.token(t, srv.Member)
	project := srv.createProject(t, admin, "Launch")
	srv.createTask(t, admin, project.ID, map[string]any{"title": "one"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+jobs.CleanupOldAnalytics, nil, member)
	requireError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/send_newsletter", nil, admin)
	requireError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+jobs.CleanupOldAnalytics, map[string]any{"days_to_keep": 30}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	cleanupRes := decode[struct {
		Status string `json:"status"`
		OrgID  string `json:"organization_id"`
		Data   struct {
			DeletedCount int64 `json:"deleted_count"`
		} `json:"data"`
	}](t, data)
	require.Equal(t, "success", cleanupRes.Status)
	require.Equal(t, srv.Org.ID, cleanupRes.OrgID)
	require.Zero(t, cleanupRes.Data.DeletedCount)

	today := time.Now().UTC().Format(time.DateOnly)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+jobs.GenerateDailyReport, map[string]any{"date": today}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	report := decode[struct {
		Data jobs.DailyReport `json:"data"`
	}](t, data)
	require.Equal(t, today, report.Data.Date)
	require.Equal(t, 1, report.Data.TasksCreated)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+jobs.GenerateDailyReport, map[string]any{"date": "15/06/2024"}, admin)
	requireError(t, res, data, http.StatusBadRequest, "bad_request")

	end := time.Now().UTC()
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+jobs.ProcessAnalyticsBatch, map[string]any{
		"start": end.Format(time.RFC3339),
		"end":   end.Add(-time.Hour).Format(time.RFC3339),
	}, admin)
	requireError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+jobs.CalculateProductivityMetrics, nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	prod := decode[struct {
		Data jobs.ProductivityReport `json:"data"`
	}](t, data)
	require.Equal(t, 1, prod.Data.TotalTasks)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "go_goroutines")
}

func wsURL(s *testServer, token string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/v1/ws/task-updates?token=" + token
}

func TestTaskUpdatesSocket(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	admin := srv.token(t, srv.Admin)
	tok := strings.TrimPrefix(admin["Authorization"], "Bearer ")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, tok), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Hub.Count(srv.Org.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg live.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "pong", msg.Type)
	require.Equal(t, "Connected", msg.Message)

	relay := &live.Relay{Source: srv.Engine.Repo, Hub: srv.Hub}
	ctx := context.Background()
	_, err = relay.Poll(ctx)
	require.NoError(t, err)

	project := srv.createProject(t, admin, "Live")
	task := srv.createTask(t, admin, project.ID, map[string]any{"title": "streamed"})
	n, err := relay.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "task_update", msg.Type)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "task_created", data["event_type"])
	require.Equal(t, task.ID, data["subject_id"])
}

func TestTaskUpdatesSocketRejectsBadToken(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "nope"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	require.Zero(t, srv.Hub.Count(""))
}
