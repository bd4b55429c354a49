package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpulse/internal/analytics"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/engine/auth"
	"taskpulse/internal/jobs"
	"taskpulse/internal/live"
	"taskpulse/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Analytics analytics.Aggregator
	Jobs      jobs.Runner
	// Hub serves the live update socket; nil disables the route.
	Hub               *live.Hub
	BasePath          string
	DefaultWindowDays int
	Auth              AuthConfig
	Logger            *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"limit_reached"`
	Message string         `json:"message" example:"subscription limit reached: 3 projects"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// handlers carries the dependencies shared by every operation.
type handlers struct {
	cfg  Config
	auth auth.Service
}

// New returns an HTTP handler exposing the TaskPulse API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.DefaultWindowDays == 0 {
		cfg.DefaultWindowDays = analytics.DefaultWindowDays
	}
	if cfg.Analytics.Store == nil {
		cfg.Analytics.Store = cfg.Engine.Repo
	}
	if cfg.Jobs.Repo.DB == nil {
		cfg.Jobs.Repo = cfg.Engine.Repo
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	h := &handlers{cfg: cfg, auth: auth.Service{Repo: cfg.Engine.Repo}}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("TaskPulse API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, h)
	registerProjects(group, h)
	registerTasks(group, h)
	registerEvents(group, h)
	registerSubscription(group, h)
	registerAnalytics(group, h)
	registerJobs(group, h)
	if cfg.Auth.DevAuth {
		registerDevAuth(group, h)
	}
	if cfg.Hub != nil {
		registerLive(router, basePath, h)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	switch {
	case errors.Is(err, engine.ErrLimitReached):
		return newAPIError(http.StatusForbidden, "limit_reached", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, analytics.ErrTimeout):
		return newAPIError(http.StatusServiceUnavailable, "timeout", err.Error(), map[string]any{"retryable": true})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// member resolves the caller to an active user and checks perm within the
// user's organization.
func (h *handlers) member(ctx context.Context, perm string) (domain.User, error) {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserID == "" {
		return domain.User{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	u, err := h.auth.Member(ctx, p.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	}
	if err != nil {
		return domain.User{}, err
	}
	if p.OrgID != "" && p.OrgID != u.OrgID {
		return domain.User{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	}
	if err := h.auth.Require(u, u.OrgID, perm); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>TaskPulse API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			UserID:      u.ID,
			OrgID:       u.OrgID,
			Email:       u.Email,
			FullName:    u.FullName,
			IsAdmin:     u.IsAdmin,
			Permissions: nonNilSlice(h.auth.Permissions(u)),
		}}, nil
	})
}

func registerProjects(api huma.API, h *handlers) {
	e := h.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			OrgID:       u.OrgID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Color:       input.Body.Color,
			ActorID:     u.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjects(ctx, u.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, e.DB, u.OrgID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerTasks(api huma.API, h *handlers) {
	e := h.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			OrgID:       u.OrgID,
			ProjectID:   input.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      domain.TaskStatus(input.Body.Status),
			Priority:    domain.TaskPriority(input.Body.Priority),
			AssigneeID:  input.Body.AssigneeID,
			DueDate:     input.Body.DueDate,
			PriceCents:  priceCents(input.Body.Price),
			ActorID:     u.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID       string `query:"project_id"`
		Status          string `query:"status" enum:"todo,in_progress,in_review,done,blocked"`
		Priority        string `query:"priority" enum:"low,medium,high,urgent"`
		AssigneeID      string `query:"assignee_id"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			OrgID:           u.OrgID,
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Priority:        input.Priority,
			AssigneeID:      input.AssigneeID,
			IncludeArchived: input.IncludeArchived,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
			items = items[:limit]
		}
		for _, t := range items {
			resp.Items = append(resp.Items, taskResponse(t))
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTask(ctx, e.DB, u.OrgID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, err := h.member(ctx, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		raw := rawBodyMap(ctx)
		opts := engine.TaskUpdateOptions{
			OrgID:       u.OrgID,
			ID:          input.TaskID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			AssigneeID:  input.Body.AssigneeID,
			DueDate:     input.Body.DueDate,
			PriceCents:  priceCents(input.Body.Price),
			ActorID:     u.ID,
		}
		if input.Body.Status != nil {
			s := domain.TaskStatus(*input.Body.Status)
			opts.Status = &s
		}
		if input.Body.Priority != nil {
			p := domain.TaskPriority(*input.Body.Priority)
			opts.Priority = &p
		}
		if v, ok := raw["assignee_id"]; ok && isNullRaw(v) {
			empty := ""
			opts.AssigneeID = &empty
		}
		if v, ok := raw["due_date"]; ok && isNullRaw(v) {
			opts.ClearDueDate = true
		}
		if v, ok := raw["price"]; ok && isNullRaw(v) {
			opts.ClearPrice = true
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/archive",
		Summary:     "Archive task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.ArchiveTask(ctx, u.OrgID, input.TaskID, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		u, err := h.member(ctx, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteTask(ctx, u.OrgID, input.TaskID, u.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, h *handlers) {
	e := h.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, u.OrgID, limit+1, cursorID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSubscription(api huma.API, h *handlers) {
	e := h.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "get-subscription",
		Method:      http.MethodGet,
		Path:        "/subscription",
		Summary:     "Subscription tier, limits and usage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SubscriptionResponse `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		org, err := e.Repo.GetOrg(ctx, e.DB, u.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		users, err := e.Repo.CountUsers(ctx, e.DB, org.ID)
		if err != nil {
			return nil, handleError(err)
		}
		projects, err := e.Repo.CountProjects(ctx, e.DB, org.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var resp SubscriptionResponse
		resp.Tier = string(org.SubscriptionTier)
		resp.Status = org.SubscriptionStatus
		resp.Limits.MaxUsers = org.MaxUsers
		resp.Limits.MaxProjects = org.MaxProjects
		resp.Limits.MaxTasksPerProject = org.MaxTasksPerProject
		resp.Usage.Users = users
		resp.Usage.Projects = projects
		return &struct {
			Body SubscriptionResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// windowDays parses the days query parameter; empty selects def.
func windowDays(raw string, def int) (int, huma.StatusError) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	days, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || !analytics.ValidWindow(days) {
		return 0, newAPIError(http.StatusBadRequest, "bad_request",
			fmt.Sprintf("days must be an integer within %d..%d", analytics.MinWindowDays, analytics.MaxWindowDays),
			map[string]any{"days": raw})
	}
	return days, nil
}

func registerAnalytics(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "analytics-dashboard",
		Method:      http.MethodGet,
		Path:        "/analytics/dashboard",
		Summary:     "Dashboard metrics",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Days string `query:"days" doc:"Window length in days (1..365)"`
	}) (*struct {
		Body domain.DashboardMetrics `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		days, serr := windowDays(input.Days, h.cfg.DefaultWindowDays)
		if serr != nil {
			return nil, serr
		}
		m, err := h.cfg.Analytics.ComputeDashboard(ctx, u.OrgID, days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DashboardMetrics `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-timeseries",
		Method:      http.MethodGet,
		Path:        "/analytics/timeseries",
		Summary:     "Daily created and completed counts",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Days string `query:"days" doc:"Window length in days (1..365)"`
	}) (*struct {
		Body []domain.TimeSeriesPoint `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRead)
		if err != nil {
			return nil, handleError(err)
		}
		days, serr := windowDays(input.Days, h.cfg.DefaultWindowDays)
		if serr != nil {
			return nil, serr
		}
		points, err := h.cfg.Analytics.ComputeTimeSeries(ctx, u.OrgID, days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TimeSeriesPoint `json:"body"`
		}{Body: points}, nil
	})
}

// registerJobs runs a named job synchronously, scoped to the caller's
// organization.
func registerJobs(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "run-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{name}",
		Summary:     "Run a job for the caller's organization",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Name string         `path:"name" doc:"One of process_analytics_batch, generate_daily_report, cleanup_old_analytics, calculate_productivity_metrics"`
		Body *RunJobRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body jobs.Result `json:"body"`
	}, error) {
		u, err := h.member(ctx, auth.PermRunJobs)
		if err != nil {
			return nil, handleError(err)
		}
		if !slices.Contains(jobs.Names, input.Name) {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown job %q", input.Name), map[string]any{"jobs": jobs.Names})
		}
		req := jobs.Request{Job: input.Name, OrgID: u.OrgID}
		if b := input.Body; b != nil {
			req.BatchID = b.BatchID
			req.DaysToKeep = b.DaysToKeep
			if b.Start != nil {
				req.Start = b.Start.UTC()
			}
			if b.End != nil {
				req.End = b.End.UTC()
			}
			if !req.Start.IsZero() && !req.End.IsZero() && !req.End.After(req.Start) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "end must be after start", nil)
			}
			if b.Date != "" {
				d, err := time.Parse(time.DateOnly, b.Date)
				if err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD", map[string]any{"date": b.Date})
				}
				req.Date = d
			}
		}
		res := h.cfg.Jobs.Run(ctx, req)
		if !res.OK() {
			status := http.StatusInternalServerError
			if res.Retryable {
				status = http.StatusServiceUnavailable
			}
			return nil, newAPIError(status, "job_failed", res.Error, map[string]any{"job": res.Job, "retryable": res.Retryable})
		}
		return &struct {
			Body jobs.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerDevAuth(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		u, err := h.auth.Member(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now().UTC()
		ttl := h.cfg.Auth.TokenTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		token, err := SignToken(h.cfg.Auth.JWTSecret, u.ID, u.OrgID, ttl, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		h.cfg.Logger.Warn("dev login issued a token", "user", u.ID, "org", u.OrgID)
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: now.Add(ttl)}}, nil
	})
}

// registerLive serves the task update socket. Browsers cannot set headers
// on WebSocket requests, so the JWT travels in the token query parameter.
func registerLive(r chi.Router, basePath string, h *handlers) {
	hub := h.cfg.Hub
	r.Get(path.Join(basePath, "ws/task-updates"), func(w http.ResponseWriter, req *http.Request) {
		p, err := authenticateJWT(req.URL.Query().Get("token"), h.cfg.Auth.JWTSecret)
		if err != nil {
			hub.Reject(w, req, "Invalid token")
			return
		}
		u, err := h.auth.Member(req.Context(), p.UserID)
		if err != nil || (p.OrgID != "" && p.OrgID != u.OrgID) {
			hub.Reject(w, req, "Invalid token")
			return
		}
		if err := hub.Serve(w, req, u.OrgID, u.ID); err != nil {
			h.cfg.Logger.Debug("live upgrade failed", "err", err)
		}
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
