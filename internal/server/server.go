package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"swarmline/internal/domain"
	"swarmline/internal/engine"
	"swarmline/internal/engine/audit"
	"swarmline/internal/envelope"
	"swarmline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Reconciler *audit.Reconciler
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_work"`
	Message string         `json:"message" example:"no work available"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Swarmline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Swarmline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	verifier := envelope.Verifier{AcceptsStream: cfg.Engine.Config.AcceptsStream, Logger: cfg.Engine.Logger}

	registerHealth(group)
	registerWorker(group, cfg.Engine, verifier)
	registerElection(group, cfg.Engine)
	registerReconcile(group, cfg.Reconciler)
	registerStatus(group, cfg.Engine)
	registerGroups(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

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
	switch {
	case errors.Is(err, envelope.ErrVerification):
		return newAPIError(http.StatusUnauthorized, "verification_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrNotEligible):
		return newAPIError(http.StatusForbidden, "not_eligible", err.Error(), nil)
	case errors.Is(err, engine.ErrNoWork):
		return newAPIError(http.StatusConflict, "no_work", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not accepted"):
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

// SignedRequest is the outer plaintext shape of worker requests. Only
// the fields echoed inside the signed payload are trusted.
type SignedRequest struct {
	Signature  string `json:"signature" required:"true"`
	StakingKey string `json:"stakingKey" required:"true"`
	PubKey     string `json:"pubKey,omitempty"`
}

func (s SignedRequest) envelope() envelope.Request {
	return envelope.Request{
		Signature:  s.Signature,
		StakingKey: s.StakingKey,
		PubKey:     s.PubKey,
	}
}

func registerWorker(api huma.API, e engine.Engine, verifier envelope.Verifier) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-work",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/work/claim",
		Summary:     "Claim a work item",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
		Body     SignedRequest
	}) (*struct {
		Body workItemResponse `json:"body"`
	}, error) {
		claim, err := verifier.Verify(input.Body.envelope(), "claim-work")
		if err != nil {
			return nil, handleError(err)
		}
		if claim.StreamID != input.StreamID {
			return nil, handleError(envelope.ErrVerification)
		}
		w, a, err := e.ClaimWorkItem(ctx, claim)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workItemResponse `json:"body"`
		}{Body: workItemResponse{WorkItem: w, Assignment: &a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-aggregator",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/groups/aggregator",
		Summary:     "Request the aggregator role for the round",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
		Body     SignedRequest
	}) (*struct {
		Body aggregatorResponse `json:"body"`
	}, error) {
		claim, err := verifier.Verify(input.Body.envelope(), "assign-aggregator")
		if err != nil {
			return nil, handleError(err)
		}
		if claim.StreamID != input.StreamID {
			return nil, handleError(envelope.ErrVerification)
		}
		decision, err := e.AssignAggregator(ctx, claim)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body aggregatorResponse `json:"body"`
		}{Body: aggregatorResponse{
			IsLeader:       decision.Election.IsLeader,
			LeaderKey:      decision.Election.LeaderKey,
			LeaderIdentity: decision.Election.LeaderIdentity,
			Group:          decision.Group,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-proof",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/proofs",
		Summary:     "Attach a proof locator to the caller's active assignment",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
		Body     struct {
			SignedRequest
			PrURL string `json:"prUrl" required:"true"`
		}
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		req := input.Body.envelope()
		req.Mirror = map[string]string{"prUrl": input.Body.PrURL}
		claim, err := verifier.Verify(req, "submit-proof")
		if err != nil {
			return nil, handleError(err)
		}
		if claim.StreamID != input.StreamID {
			return nil, handleError(envelope.ErrVerification)
		}
		a, err := e.SubmitProof(ctx, claim)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})
}

func registerElection(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "election",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}/election",
		Summary:     "Compute the leader for a round",
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
		Round    int64  `query:"round" required:"true"`
		Key      string `query:"key" required:"true"`
	}) (*struct {
		Body aggregatorResponse `json:"body"`
	}, error) {
		if !e.Config.AcceptsStream(input.StreamID) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("stream %s not accepted", input.StreamID), nil)
		}
		res, err := e.Elector.Elect(ctx, input.StreamID, input.Round, e.Config.Election.MaxRank, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body aggregatorResponse `json:"body"`
		}{Body: aggregatorResponse{
			IsLeader:       res.IsLeader,
			LeaderKey:      res.LeaderKey,
			LeaderIdentity: res.LeaderIdentity,
		}}, nil
	})
}

func registerReconcile(api huma.API, rec *audit.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile-round",
		Method:      http.MethodPost,
		Path:        "/streams/{stream_id}/reconcile",
		Summary:     "Reconcile a round against its distribution outcome",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
		Body     struct {
			Round int64 `json:"round" minimum:"0"`
		}
	}) (*struct {
		Body audit.Report `json:"body"`
	}, error) {
		if _, err := subjectFromContext(ctx); err != nil {
			return nil, err
		}
		report, err := rec.Reconcile(ctx, input.StreamID, input.Body.Round)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body audit.Report `json:"body"`
		}{Body: report}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stream-status",
		Method:      http.MethodGet,
		Path:        "/streams/{stream_id}/status",
		Summary:     "Stream status",
	}, func(ctx context.Context, input *struct {
		StreamID string `path:"stream_id"`
	}) (*struct {
		Body engine.StreamStatus `json:"body"`
	}, error) {
		status, err := e.Status(ctx, input.StreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StreamStatus `json:"body"`
		}{Body: status}, nil
	})
}

func registerGroups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-group",
		Method:        http.MethodPost,
		Path:          "/groups",
		Summary:       "Create an issue group",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			StreamID  string `json:"stream_id" required:"true"`
			Title     string `json:"title" required:"true"`
			RepoOwner string `json:"repo_owner" required:"true"`
			RepoName  string `json:"repo_name" required:"true"`
		}
	}) (*struct {
		Body domain.IssueGroup `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateIssueGroup(ctx, engine.GroupCreateOptions{
			StreamID:  input.Body.StreamID,
			Title:     input.Body.Title,
			RepoOwner: input.Body.RepoOwner,
			RepoName:  input.Body.RepoName,
			ActorKey:  subject,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IssueGroup `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/groups",
		Summary:     "List issue groups",
	}, func(ctx context.Context, input *struct {
		StreamID string `query:"stream_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.IssueGroup `json:"body"`
	}, error) {
		groups, err := e.Repo.ListIssueGroups(ctx, repo.GroupFilters{
			StreamID: input.StreamID,
			Status:   input.Status,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if groups == nil {
			groups = []domain.IssueGroup{}
		}
		return &struct {
			Body []domain.IssueGroup `json:"body"`
		}{Body: groups}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-group",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}",
		Summary:     "Get an issue group",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body domain.IssueGroup `json:"body"`
	}, error) {
		g, err := e.Repo.GetIssueGroup(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IssueGroup `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-group",
		Method:      http.MethodPost,
		Path:        "/groups/{group_id}/start",
		Summary:     "Open a group for claiming without an aggregator",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body domain.IssueGroup `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.StartGroup(ctx, input.GroupID, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IssueGroup `json:"body"`
		}{Body: g}, nil
	})
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/groups/{group_id}/items",
		Summary:       "Create a work item inside a group",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
		Body    struct {
			Title       string   `json:"title" required:"true"`
			Description string   `json:"description,omitempty"`
			Acceptance  string   `json:"acceptance,omitempty"`
			DependsOn   []string `json:"depends_on,omitempty"`
		}
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkItem(ctx, engine.WorkItemCreateOptions{
			GroupID:     input.GroupID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Acceptance:  input.Body.Acceptance,
			DependsOn:   input.Body.DependsOn,
			ActorKey:    subject,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/work",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		StreamID string `query:"stream_id"`
		GroupID  string `query:"group_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			StreamID: input.StreamID,
			GroupID:  input.GroupID,
			Status:   input.Status,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkItem{}
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work/{work_item_id}",
		Summary:     "Get a work item with its active assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkItem(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-history",
		Method:      http.MethodGet,
		Path:        "/work/{work_item_id}/assignments",
		Summary:     "Assignment history for a work item",
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		history, err := e.Repo.ListAssignmentHistory(ctx, domain.EntityWorkItem, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		if history == nil {
			history = []domain.Assignment{}
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: history}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		StreamID   string `query:"stream_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"work_item,issue_group,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.StreamID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an operator API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		}
	}) (*struct {
		Body apiKeyCreated `json:"body"`
	}, error) {
		if _, err := subjectFromContext(ctx); err != nil {
			return nil, err
		}
		plain := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(plain),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body apiKeyCreated `json:"body"`
		}{Body: apiKeyCreated{ID: key.ID, Name: key.Name, Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List operator API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, err := subjectFromContext(ctx); err != nil {
			return nil, err
		}
		keys, err := e.Repo.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			keys = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete an operator API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, err := subjectFromContext(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
