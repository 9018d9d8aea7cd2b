// Package server exposes the pilot API over HTTP with OpenAPI docs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"aipilot/internal/budget"
	"aipilot/internal/domain"
	"aipilot/internal/engine"
	"aipilot/internal/fault"
	"aipilot/internal/ingest"
	"aipilot/internal/repo"
	"aipilot/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Ingest   *ingest.Pipeline
	Broker   *engine.Broker
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"build b-1 is processing, want complete"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pilot API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Api-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("AI Pilot API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerBuilds(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerBudget(group, cfg.Engine)
	registerImages(group, cfg.Ingest, cfg.Engine)
	registerFeedback(group, cfg.Engine)
	registerChat(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Broker != nil {
		registerEventStream(router, basePath, cfg.Broker)
	}
	registerObjects(router, basePath, cfg.Engine.Store)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError maps engine failures onto the status taxonomy:
// validation 400, authorization 403, not found 404, state conflict
// 409, remote failure 502, everything else 500.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *fault.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": verr.Field})
	}
	var aerr *fault.AuthorizationError
	if errors.As(err, &aerr) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": aerr.Action})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var cerr *fault.StateConflict
	if errors.As(err, &cerr) {
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), map[string]any{
			"resource": cerr.Resource,
			"state":    cerr.State,
		})
	}
	var rerr *fault.RemoteFailure
	if errors.As(err, &rerr) {
		return newAPIError(http.StatusBadGateway, "remote_failure", err.Error(), map[string]any{"op": rerr.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "state_conflict"
	case http.StatusBadGateway:
		return "remote_failure"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

// parseCompositeCursor splits a "created_at|id" page token into the
// two keyset fields.
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

func registerDevAuth(api huma.API, auth AuthConfig) {
	if !auth.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
	}, func(ctx context.Context, input *struct {
		Body struct {
			UserID string `json:"user_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "user_id is required", nil)
		}
		token, err := mintToken(input.Body.UserID, auth.JWTSecret, devTokenTTL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerBuilds(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-build",
		Method:        http.MethodPost,
		Path:          "/builds",
		Summary:       "Submit a build prompt",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitBuildRequest `json:"body"`
	}) (*struct {
		Body domain.AppBuild `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SubmitBuild(ctx, userID, input.Body.Prompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AppBuild `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-builds",
		Method:      http.MethodGet,
		Path:        "/builds",
		Summary:     "List build history",
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id" doc:"Leader may inspect another user's builds"`
		Status string `query:"status" enum:"processing,complete,failed,"`
		Limit  int    `query:"limit" default:"50" maximum:"200"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body PaginatedBuilds `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListBuilds(ctx, userID, repo.BuildFilters{
			UserID:          input.UserID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedBuilds{Items: []domain.AppBuild{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = items
		return &struct {
			Body PaginatedBuilds `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build",
		Method:      http.MethodGet,
		Path:        "/builds/{build_id}",
		Summary:     "Get one build",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BuildID string `path:"build_id"`
	}) (*struct {
		Body domain.AppBuild `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.GetBuild(ctx, input.BuildID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AppBuild `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remix-build",
		Method:        http.MethodPost,
		Path:          "/builds/{build_id}/remix",
		Summary:       "Re-submit a prior build's prompt",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BuildID string `path:"build_id"`
	}) (*struct {
		Body domain.AppBuild `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.RemixBuild(ctx, input.BuildID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AppBuild `json:"body"`
		}{Body: b}, nil
	})

	buildAction := func(opID, pathSuffix, summary string, fn func(context.Context, string, string) (string, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/builds/{build_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
		}, func(ctx context.Context, input *struct {
			BuildID string `path:"build_id"`
		}) (*struct {
			Body URLResponse `json:"body"`
		}, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			url, err := fn(ctx, input.BuildID, userID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body URLResponse `json:"body"`
			}{Body: URLResponse{URL: url}}, nil
		})
	}
	buildAction("export-build", "export", "Export a completed build as a signed zip URL", e.ExportBuild)
	buildAction("preview-build", "preview", "Get or assign the preview URL", e.PreviewBuild)
	buildAction("deploy-build", "deploy", "Get or assign the production URL", e.DeployBuild)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-build",
		Method:      http.MethodPost,
		Path:        "/builds/{build_id}/cancel",
		Summary:     "Cancel an in-flight build",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BuildID string `path:"build_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.CancelBuild(ctx, input.BuildID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAgents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get one agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Run (or queue) a single task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body RunTaskRequest `json:"body"`
	}) (*struct {
		Body domain.AgentTask `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			task domain.AgentTask
			err  error
		)
		if input.Body.Queue {
			task, err = e.QueueTask(ctx, input.Body.AgentID, input.Body.Command, userID, input.Body.ParentID)
		} else {
			task, err = e.RunTask(ctx, input.Body.AgentID, input.Body.Command, userID, input.Body.ParentID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentTask `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Status  string `query:"status" enum:"processing,success,failure,"`
		Limit   int    `query:"limit" default:"50" maximum:"200"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body PaginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			AgentID:         input.AgentID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedTasks{Items: []domain.AgentTask{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = items
		return &struct {
			Body PaginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get one task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.AgentTask `json:"body"`
	}, error) {
		task, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentTask `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-chain",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/chain",
		Summary:     "Run the chain rooted at a task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.ChainReport `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.RunChain(ctx, input.TaskID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ChainReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerBudget(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-budget",
		Method:      http.MethodGet,
		Path:        "/budget",
		Summary:     "Budget settings and current standing",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BudgetSettingsResponse `json:"body"`
	}, error) {
		settings, err := e.Repo.GetBudgetSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BudgetSettingsResponse `json:"body"`
		}{Body: BudgetSettingsResponse{
			MonthlyLimit:  settings.MonthlyLimit,
			KillThreshold: settings.KillThreshold,
			UpdatedAt:     settings.UpdatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-budget",
		Method:      http.MethodPatch,
		Path:        "/budget",
		Summary:     "Update budget settings (leader only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpdateBudgetRequest `json:"body"`
	}) (*struct {
		Body domain.BudgetSettings `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateBudgetSettings(ctx, userID, input.Body.MonthlyLimit, input.Body.KillThreshold)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetSettings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-cost",
		Method:      http.MethodGet,
		Path:        "/budget/estimate",
		Summary:     "Estimate the cost of a command",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Command string `query:"command" required:"true"`
	}) (*struct {
		Body EstimateResponse `json:"body"`
	}, error) {
		if input.Command == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "command is required", nil)
		}
		return &struct {
			Body EstimateResponse `json:"body"`
		}{Body: EstimateResponse{
			Command: input.Command,
			Amount:  budget.EstimateCost(input.Command),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "budget-usage",
		Method:      http.MethodGet,
		Path:        "/budget/usage",
		Summary:     "Monthly spend classified against the limit",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BudgetStatusResponse `json:"body"`
	}, error) {
		status, err := e.Budget.MonthlyStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BudgetStatusResponse `json:"body"`
		}{Body: BudgetStatusResponse{
			Used:     status.Used,
			Limit:    status.Limit,
			Severity: string(status.Severity),
		}}, nil
	})
}

func registerImages(api huma.API, p *ingest.Pipeline, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-images",
		Method:        http.MethodPost,
		Path:          "/images/batch",
		Summary:       "Stage and upload a paired image batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body UploadImagesRequest `json:"body"`
	}) (*struct {
		Body []domain.ImageRecord `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var meta *ingest.File
		if input.Body.Metadata != nil {
			meta = &ingest.File{Name: input.Body.Metadata.Name, Data: input.Body.Metadata.Data}
		}
		batch, err := p.SelectBatch(toIngestFiles(input.Body.EventFiles), toIngestFiles(input.Body.DescFiles), meta, input.Body.Source)
		if err != nil {
			return nil, handleError(err)
		}
		recs, err := p.Upload(ctx, batch, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ImageRecord `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-images",
		Method:      http.MethodGet,
		Path:        "/images",
		Summary:     "List image records",
	}, func(ctx context.Context, input *struct {
		Approved *bool  `query:"approved"`
		Source   string `query:"source"`
		Limit    int    `query:"limit" default:"50" maximum:"200"`
	}) (*struct {
		Body []domain.ImageRecord `json:"body"`
	}, error) {
		items, err := p.Repo.ListImages(ctx, repo.ImageFilters{
			Approved: input.Approved,
			Source:   input.Source,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ImageRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-image",
		Method:      http.MethodGet,
		Path:        "/images/{image_id}",
		Summary:     "Get one image record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ImageID string `path:"image_id"`
	}) (*struct {
		Body domain.ImageRecord `json:"body"`
	}, error) {
		img, err := p.Repo.GetImage(ctx, input.ImageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ImageRecord `json:"body"`
		}{Body: img}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-image",
		Method:      http.MethodPost,
		Path:        "/images/{image_id}/approve",
		Summary:     "Approve a record for use",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ImageID string `path:"image_id"`
	}) (*struct {
		Body domain.ImageRecord `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if userID != e.Config.Deployment.Leader {
			return nil, handleError(&fault.AuthorizationError{Action: "approve image " + input.ImageID})
		}
		img, err := p.Approve(ctx, input.ImageID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ImageRecord `json:"body"`
		}{Body: img}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-image",
		Method:      http.MethodPatch,
		Path:        "/images/{image_id}",
		Summary:     "Manually override record fields",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ImageID string               `path:"image_id"`
		Body    OverrideImageRequest `json:"body"`
	}) (*struct {
		Body domain.ImageRecord `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		img, err := p.ApplyOverride(ctx, input.ImageID, toIngestOverride(input.Body), userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ImageRecord `json:"body"`
		}{Body: img}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backfill-images",
		Method:      http.MethodPost,
		Path:        "/images/backfill",
		Summary:     "Re-verify stored records with empty scores",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ingest.BackfillResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := p.Backfill(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ingest.BackfillResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerFeedback(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-feedback",
		Method:        http.MethodPost,
		Path:          "/feedback",
		Summary:       "Rate a completed task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body FeedbackRequest `json:"body"`
	}) (*struct {
		Body domain.AgentFeedback `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fb, err := e.SubmitFeedback(ctx, input.Body.AgentID, input.Body.TaskID, input.Body.Rating, input.Body.Comment, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentFeedback `json:"body"`
		}{Body: fb}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-feedback",
		Method:      http.MethodGet,
		Path:        "/feedback",
		Summary:     "List feedback, newest first",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Limit   int    `query:"limit" default:"50" maximum:"200"`
	}) (*struct {
		Body []domain.AgentFeedback `json:"body"`
	}, error) {
		items, err := e.Repo.ListFeedback(ctx, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentFeedback `json:"body"`
		}{Body: items}, nil
	})
}

func registerChat(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-chat",
		Method:        http.MethodPost,
		Path:          "/chat",
		Summary:       "Send a message to an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body []domain.ChatMessage `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msgs, err := e.SendChat(ctx, userID, input.Body.AgentID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChatMessage `json:"body"`
		}{Body: msgs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-chat",
		Method:      http.MethodGet,
		Path:        "/chat",
		Summary:     "Conversation history for an agent",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id" required:"true"`
		Limit   int    `query:"limit" default:"100" maximum:"500"`
	}) (*struct {
		Body []domain.ChatMessage `json:"body"`
	}, error) {
		if input.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "agent_id is required", nil)
		}
		items, err := e.Repo.ListChatMessages(ctx, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChatMessage `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key (leader only)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if userID != e.Config.Deployment.Leader {
			return nil, handleError(&fault.AuthorizationError{Action: "create api key"})
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "actor_id is required", nil)
		}
		created, secret, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:      created.ID,
			ActorID: created.ActorID,
			Name:    created.Name,
			Key:     secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys for the caller",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID := input.ActorID
		if actorID == "" {
			actorID = userID
		}
		if actorID != userID && userID != e.Config.Deployment.Leader {
			return nil, handleError(&fault.AuthorizationError{Action: "list api keys for " + actorID})
		}
		items, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key (leader only)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if userID != e.Config.Deployment.Leader {
			return nil, handleError(&fault.AuthorizationError{Action: "delete api key"})
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, newest first or forward from a cursor",
	}, func(ctx context.Context, input *struct {
		After      int64  `query:"after" doc:"Return events with id greater than this, oldest first"`
		Before     int64  `query:"before" doc:"Page backwards: events with id less than this, newest first"`
		Limit      int    `query:"limit" default:"100" maximum:"500"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		var (
			items []domain.Event
			err   error
		)
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, input.Limit, input.After)
		} else {
			items, err = e.Repo.LatestEventsFrom(ctx, input.Limit, input.Before, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

// registerObjects serves signed download URLs minted by the store.
// The route sits outside the auth middleware; the HMAC signature and
// expiry are the access control.
func registerObjects(r chi.Router, basePath string, store *storage.Store) {
	r.Get(path.Join(basePath, "objects/{bucket}/*"), func(w http.ResponseWriter, req *http.Request) {
		bucket := chi.URLParam(req, "bucket")
		key := chi.URLParam(req, "*")
		expires, err := strconv.ParseInt(req.URL.Query().Get("expires"), 10, 64)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "missing or malformed expiry", nil))
			return
		}
		if err := store.VerifySignature(bucket, key, expires, req.URL.Query().Get("signature")); err != nil {
			respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil))
			return
		}
		obj, err := store.Open(bucket, key)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "object not found", nil))
			return
		}
		defer obj.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
		io.Copy(w, obj)
	})
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
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	openPaths := map[string]bool{
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
			if openPaths[route] {
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
    <title>AI Pilot API Docs</title>
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
