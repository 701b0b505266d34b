package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tasktrack/internal/config"
	"tasktrack/internal/engine"
	"tasktrack/internal/events"
	"tasktrack/internal/repo"
	"tasktrack/internal/validate"
)

const (
	apiTitle        = "Tasktrack API"
	apiVersion      = "0.1.0"
	requestIDHeader = "X-Request-Id"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task 42 not found"`
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

// handlers carries what every operation needs.
type handlers struct {
	e            engine.Engine
	v            validate.Validator
	log          *slog.Logger
	defaultLimit int
	maxLimit     int
}

// New returns an HTTP handler exposing the task API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	paging := config.Default().Paging
	if cfg.Engine.Config != nil {
		paging = cfg.Engine.Config.Paging
	}
	h := handlers{
		e:            cfg.Engine,
		v:            validate.Validator{Now: cfg.Engine.Now},
		log:          logger,
		defaultLimit: paging.DefaultLimit,
		maxLimit:     paging.MaxLimit,
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		code := ""
		if status == http.StatusUnprocessableEntity {
			// request schema failures are caller errors
			status = http.StatusBadRequest
			code = "validation_failed"
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig(apiTitle, apiVersion)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerRoot(group, api, basePath)
	registerHealth(group)
	registerTasks(group, h)
	registerQueries(group, h)
	registerBulk(group, h)
	registerEvents(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestID propagates or assigns X-Request-Id and tags the context for event rows.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(events.WithRequestID(r.Context(), id)))
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", time.Since(start),
				"request_id", events.RequestID(r.Context()),
			)
		})
	}
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
	if ve, ok := validate.AsError(err); ok {
		return newAPIError(http.StatusBadRequest, "validation_failed", ve.Error(), map[string]any{"errors": ve.Errors})
	}
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrEmptyResult), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

// fail logs unexpected errors before mapping them.
func (h handlers) fail(ctx context.Context, op string, err error) huma.StatusError {
	se := handleError(err)
	if se.GetStatus() >= http.StatusInternalServerError {
		h.log.Error("operation failed", "op", op, "err", err, "request_id", events.RequestID(ctx))
	}
	return se
}

func notFound(id int64) huma.StatusError {
	return newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("task %d not found", id), map[string]any{"id": id})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	ref := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: ref},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	docURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tasktrack API Docs</title>
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
  </body>
</html>`, docURL)
}

func registerRoot(group huma.API, api huma.API, basePath string) {
	huma.Register(group, huma.Operation{
		OperationID: "root",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Service info and endpoint list",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RootResponse `json:"body"`
	}, error) {
		var endpoints []string
		for p, item := range api.OpenAPI().Paths {
			for method, op := range map[string]*huma.Operation{
				http.MethodGet: item.Get, http.MethodPost: item.Post, http.MethodPut: item.Put,
				http.MethodPatch: item.Patch, http.MethodDelete: item.Delete,
			} {
				if op != nil {
					endpoints = append(endpoints, method+" "+p)
				}
			}
		}
		sort.Strings(endpoints)
		return &struct {
			Body RootResponse `json:"body"`
		}{Body: RootResponse{Name: apiTitle, Version: apiVersion, Endpoints: endpoints}}, nil
	})
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
		}{Body: map[string]string{"status": "OK"}}, nil
	})
}

func registerTasks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		nt, err := h.v.NewTask(taskInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		t, err := h.e.Create(ctx, nt)
		if err != nil {
			return nil, h.fail(ctx, "create-task", err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks with optional priority and status filters",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Skip     int    `query:"skip" default:"0"`
		Limit    int    `query:"limit" default:"0"`
		Priority string `query:"priority"`
		Status   string `query:"status"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		return h.list(ctx, input.Skip, input.Limit, input.Priority, input.Status)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, ok, err := h.e.Get(ctx, input.ID)
		if err != nil {
			return nil, h.fail(ctx, "get-task", err)
		}
		if !ok {
			return nil, notFound(input.ID)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	update := func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		patch, err := h.v.Patch(rawBodyMap(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		t, ok, err := h.e.Update(ctx, input.ID, patch)
		if err != nil {
			return nil, h.fail(ctx, "update-task", err)
		}
		if !ok {
			return nil, notFound(input.ID)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	}
	for _, m := range []string{http.MethodPut, http.MethodPatch} {
		huma.Register(api, huma.Operation{
			OperationID: strings.ToLower(m) + "-task",
			Method:      m,
			Path:        "/tasks/{id}",
			Summary:     "Update the fields present in the body",
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
		}, update)
	}

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		deleted, err := h.e.Delete(ctx, input.ID)
		if err != nil {
			return nil, h.fail(ctx, "delete-task", err)
		}
		if !deleted {
			return nil, notFound(input.ID)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) list(ctx context.Context, skip, limit int, priority, status string) (*struct {
	Body []TaskResponse `json:"body"`
}, error) {
	skip, limit, err := validate.Page(skip, limit, h.defaultLimit, h.maxLimit)
	if err != nil {
		return nil, handleError(err)
	}
	p, err := validate.PriorityFilter(priority)
	if err != nil {
		return nil, handleError(err)
	}
	s, err := validate.StatusFilter(status)
	if err != nil {
		return nil, handleError(err)
	}
	tasks, err := h.e.List(ctx, engine.ListOptions{Skip: skip, Limit: limit, Priority: p, Status: s})
	if err != nil {
		return nil, h.fail(ctx, "list-tasks", err)
	}
	return &struct {
		Body []TaskResponse `json:"body"`
	}{Body: mapTasks(tasks)}, nil
}

func registerQueries(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks-by-status",
		Method:      http.MethodGet,
		Path:        "/tasks/status/{status}",
		Summary:     "List tasks with one status",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `path:"status"`
		Skip   int    `query:"skip" default:"0"`
		Limit  int    `query:"limit" default:"0"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		return h.list(ctx, input.Skip, input.Limit, "", input.Status)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks-by-priority",
		Method:      http.MethodGet,
		Path:        "/tasks/priority/{priority}",
		Summary:     "List tasks with one priority",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Priority string `path:"priority"`
		Skip     int    `query:"skip" default:"0"`
		Limit    int    `query:"limit" default:"0"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		return h.list(ctx, input.Skip, input.Limit, input.Priority, "")
	})

	huma.Register(api, huma.Operation{
		OperationID: "filter-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/filter",
		Summary:     "Filter tasks by priority and/or status",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Skip     int    `query:"skip" default:"0"`
		Limit    int    `query:"limit" default:"0"`
		Priority string `query:"priority"`
		Status   string `query:"status"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		return h.list(ctx, input.Skip, input.Limit, input.Priority, input.Status)
	})

	huma.Register(api, huma.Operation{
		OperationID: "sort-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/sort/{field}",
		Summary:     "All tasks sorted by title, created_at, due_date, priority or status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Field string `path:"field"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := h.e.Sort(ctx, input.Field)
		if err != nil {
			return nil, h.fail(ctx, "sort-tasks", err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/search",
		Summary:     "Case-insensitive literal search over title and description",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Text  string `query:"text"`
		Skip  int    `query:"skip" default:"0"`
		Limit int    `query:"limit" default:"0"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		skip, limit, err := validate.Page(input.Skip, input.Limit, h.defaultLimit, h.maxLimit)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := h.e.Search(ctx, engine.SearchOptions{Text: input.Text, Skip: skip, Limit: limit})
		if err != nil {
			return nil, h.fail(ctx, "search-tasks", err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})
}

func registerBulk(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "bulk-update-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/bulk-update",
		Summary:     "Update many tasks in one statement",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BulkUpdateRequest `json:"body"`
	}) (*struct {
		Body AffectedResponse `json:"body"`
	}, error) {
		var items []map[string]json.RawMessage
		if raw, ok := rawBodyMap(ctx)["items"]; ok && !isNullRaw(raw) {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "items must be an array of objects", nil)
			}
		}
		patches, err := h.v.BulkItems(items)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := h.e.BulkUpdate(ctx, patches)
		if err != nil {
			return nil, h.fail(ctx, "bulk-update-tasks", err)
		}
		return &struct {
			Body AffectedResponse `json:"body"`
		}{Body: AffectedResponse{Affected: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-delete-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/bulk-delete",
		Summary:     "Delete many tasks in one statement",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body BulkDeleteRequest `json:"body"`
	}) (*struct {
		Body AffectedResponse `json:"body"`
	}, error) {
		n, err := h.e.BulkDelete(ctx, input.Body.IDs)
		if err != nil {
			return nil, h.fail(ctx, "bulk-delete-tasks", err)
		}
		return &struct {
			Body AffectedResponse `json:"body"`
		}{Body: AffectedResponse{Affected: n}}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent change events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `query:"task_id"`
		Limit  int   `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		_, limit, err := validate.Page(0, input.Limit, 50, h.maxLimit)
		if err != nil {
			return nil, handleError(err)
		}
		var taskID *int64
		if input.TaskID != 0 {
			taskID = &input.TaskID
		}
		items, err := h.e.ListEvents(ctx, limit, taskID)
		if err != nil {
			return nil, h.fail(ctx, "list-events", err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
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
