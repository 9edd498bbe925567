package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"chainline/internal/domain"
	"chainline/internal/registry"
	"chainline/internal/repo"
	"chainline/internal/sweep"
	"chainline/internal/taskqueue"
	"chainline/internal/trigger"
)

// Config for the HTTP API handler.
type Config struct {
	Registry   *registry.Registry
	Tasks      *taskqueue.Manager
	Expander   *trigger.Expander
	Sweeper    *sweep.Sweeper
	Repo       repo.Repo
	PlatformID string
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"action send_message not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope used on every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// New returns an HTTP handler exposing the dispatch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Chainline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerActions(group, cfg)
	registerQueues(group, cfg)
	registerEvents(group, cfg)
	registerChain(group, cfg)
	registerSweep(group, cfg)

	return router, nil
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

func registerActions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List routable actions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Envelope `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Envelope `json:"body"`
		}{Body: cfg.Registry.AvailableActions()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-action",
		Method:      http.MethodPost,
		Path:        "/actions/{name}/execute",
		Summary:     "Execute an action",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body struct {
			Data          map[string]any `json:"data,omitempty"`
			Queue         string         `json:"queue,omitempty"`
			FireAndForget bool           `json:"fire_and_forget,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Envelope `json:"body"`
	}, error) {
		principal, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err
		}
		data := input.Body.Data
		if data == nil {
			data = map[string]any{}
		}
		// The system block is server-owned. Anything the client sent under
		// that key is discarded before validation.
		system := map[string]any{
			"platform_id": cfg.PlatformID,
			"source":      principal.Source,
		}
		if principal.UserID != 0 {
			system["user_id"] = principal.UserID
		}
		data["system"] = system

		env, _ := cfg.Registry.ExecuteActionSecure(ctx, input.Name, data, registry.ExecOptions{
			Queue:         input.Body.Queue,
			FireAndForget: input.Body.FireAndForget,
		})
		return &struct {
			Body domain.Envelope `json:"body"`
		}{Body: env}, nil
	})
}

func registerQueues(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-stats",
		Method:      http.MethodGet,
		Path:        "/queues",
		Summary:     "Queue statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body taskqueue.Stats `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		return &struct {
			Body taskqueue.Stats `json:"body"`
		}{Body: cfg.Tasks.Stats()}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Ingest a trigger event",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body map[string]any `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		event := input.Body
		if event == nil {
			event = map[string]any{}
		}
		// Expansion is asynchronous and never reports back to the source.
		go cfg.Expander.HandleEvent(context.WithoutCancel(ctx), event)
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "accepted"}}, nil
	})
}

func registerChain(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-chain-actions",
		Method:      http.MethodGet,
		Path:        "/chain/actions",
		Summary:     "List persisted chain actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,hold,completed,failed,drop,"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []domain.Action `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		items, err := cfg.Repo.ListActions(ctx, input.Status, input.Type, input.Limit)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		if items == nil {
			items = []domain.Action{}
		}
		out := &struct {
			Body struct {
				Items []domain.Action `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-chain-action",
		Method:      http.MethodGet,
		Path:        "/chain/actions/{id}",
		Summary:     "Get one chain action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Action `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		a, err := cfg.Repo.GetAction(ctx, input.ID)
		if err == repo.ErrNotFound {
			return nil, newAPIError(http.StatusNotFound, "not_found", "action not found", nil)
		}
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body domain.Action `json:"body"`
		}{Body: a}, nil
	})
}

func registerSweep(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep/run",
		Summary:     "Run one unlock sweep pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sweep.Summary `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		sum, err := cfg.Sweeper.RunOnce(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body sweep.Summary `json:"body"`
		}{Body: sum}, nil
	})
}
