package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"veriflow/internal/domain"
	"veriflow/internal/engine"
	"veriflow/internal/identity"
	"veriflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Registry   identity.Registry
	BasePath   string
	Auth       AuthConfig
	SessionTTL time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"task_not_pending"`
	Message string         `json:"message" example:"task has already been decided"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every failure uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Veriflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Hour
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Registry))
	hcfg := huma.DefaultConfig("Veriflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg)
	registerActors(group, cfg)
	registerSessions(group, cfg)
	registerInstances(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerJournal(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.Engine.Config != nil {
		startWebhookDispatcher(cfg.Engine, cfg.Engine.Config.Tenant.ID)
	}
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
	var tm identity.TenantMismatchError
	switch {
	case errors.As(err, &tm),
		errors.Is(err, identity.ErrSessionNotFound),
		errors.Is(err, identity.ErrSessionRevoked),
		errors.Is(err, identity.ErrSessionExpired),
		errors.Is(err, identity.ErrActorInactive):
		return sessionError(err)
	case errors.Is(err, identity.ErrActorNotFound):
		return newAPIError(http.StatusNotFound, "actor_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskNotFound):
		return newAPIError(http.StatusNotFound, "task_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskNotPending):
		return newAPIError(http.StatusConflict, "task_not_pending", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskNotWaiting):
		return newAPIError(http.StatusConflict, "task_not_waiting", err.Error(), nil)
	case errors.Is(err, engine.ErrJustificationRequired):
		return newAPIError(http.StatusUnprocessableEntity, "justification_required", err.Error(), nil)
	case errors.Is(err, engine.ErrDefinitionNotFound):
		return newAPIError(http.StatusNotFound, "definition_not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Veriflow API Docs</title>
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

func registerAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in by contact, creating the actor on first use",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if input.Body.TenantID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant_id is required", nil)
		}
		if input.Body.Contact == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "contact is required", nil)
		}
		r := cfg.Registry.Repo
		if _, err := r.GetTenant(ctx, input.Body.TenantID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "tenant_not_found", "tenant not found", nil)
			}
			return nil, handleError(err)
		}
		actor, err := r.FindActorByContact(ctx, input.Body.TenantID, input.Body.Contact)
		if errors.Is(err, repo.ErrNotFound) {
			name := input.Body.DisplayName
			if name == "" {
				name = input.Body.Contact
			}
			actor, err = cfg.Registry.CreateActor(ctx, input.Body.TenantID, domain.ActorHumanUser, name, input.Body.Contact)
		}
		if err != nil {
			return nil, handleError(err)
		}
		session, err := cfg.Registry.CreateSession(ctx, actor.ID, cfg.SessionTTL)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := mintSessionToken(session, cfg.Auth.JWTSecret)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{
			Token:   token,
			Session: sessionResponse(session),
			Actor:   actorResponse(actor),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "Revoke the current session",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if ac.SessionID == "" {
			// API-key callers have no session to revoke.
			return &struct{}{}, nil
		}
		if err := cfg.Registry.RevokeSession(ctx, ac.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor context",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			TenantID:  ac.TenantID,
			ActorID:   ac.ActorID,
			SessionID: ac.SessionID,
			ActorKind: ac.ActorKind,
		}}, nil
	})
}

func registerActors(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Create actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateActorRequest `json:"body"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := cfg.Registry.CreateActor(ctx, ac.TenantID, input.Body.Kind, input.Body.DisplayName, input.Body.Contact)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors in the tenant",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ActorResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Registry.Repo.ListActors(ctx, ac.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActorResponse `json:"body"`
		}{Body: mapActors(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}",
		Summary:     "Get actor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := cfg.Registry.GetActor(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.TenantID != ac.TenantID {
			return nil, newAPIError(http.StatusNotFound, "actor_not_found", "actor not found", nil)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-actor",
		Method:      http.MethodDelete,
		Path:        "/actors/{actor_id}",
		Summary:     "Deactivate actor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := cfg.Registry.GetActor(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.TenantID != ac.TenantID {
			return nil, newAPIError(http.StatusNotFound, "actor_not_found", "actor not found", nil)
		}
		if err := cfg.Registry.DeactivateActor(ctx, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/sessions",
		Summary:     "List sessions for an actor",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := cfg.Registry.GetActor(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.TenantID != ac.TenantID {
			return nil, newAPIError(http.StatusNotFound, "actor_not_found", "actor not found", nil)
		}
		items, err := cfg.Registry.Repo.ListSessions(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SessionResponse, 0, len(items))
		for _, s := range items {
			out = append(out, sessionResponse(s))
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/revoke",
		Summary:     "Revoke a session (idempotent)",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{}, error) {
		if _, authErr := actorContextFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if err := cfg.Registry.RevokeSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Start a workflow instance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body StartInstanceRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.DefinitionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "definition_id is required", nil)
		}
		in, err := e.StartInstance(ctx, engine.StartInstanceOptions{
			DefinitionID: input.Body.DefinitionID,
			TenantID:     ac.TenantID,
			OwnerID:      ac.ActorID,
			Snapshot:     input.Body.Snapshot,
			ActorID:      ac.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List workflow instances, most recently updated first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []InstanceResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListInstances(ctx, ac.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InstanceResponse `json:"body"`
		}{Body: mapInstances(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get workflow instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		if in.TenantID != ac.TenantID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instance-tasks",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/tasks",
		Summary:     "List tasks of an instance, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		if in.TenantID != ac.TenantID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
		}
		items, err := e.Repo.ListTasksForInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/pending",
		Summary:     "List pending tasks visible to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.PendingTasks(ctx, ac.ActorID, ac.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/decision",
		Summary:     "Approve or reject a pending task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   DecisionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteHumanTask(ctx, engine.CompleteTaskOptions{
			TaskID:        input.TaskID,
			Decision:      input.Body.Decision,
			Justification: input.Body.Justification,
			ActorID:       ac.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-wait",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/release",
		Summary:     "Release a system-wait task so the instance resumes",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Note string `json:"note,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReleaseWait(ctx, input.TaskID, ac.ActorID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerJournal(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List decision journal entries, newest first",
	}, func(ctx context.Context, input *struct {
		InstanceID string `query:"instance_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []JournalEntryResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListJournal(ctx, ac.TenantID, input.InstanceID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JournalEntryResponse `json:"body"`
		}{Body: mapJournal(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List tenant events after a cursor, oldest first",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		ac, authErr := actorContextFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEvents(ctx, ac.TenantID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
