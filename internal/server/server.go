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
	"github.com/google/uuid"

	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/engine/auth"
	"traceline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"transition not allowed from a final state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Traceline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newRequestLogger(cfg.Auth.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Traceline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerStates(group, cfg.Engine)
	registerEntities(group, cfg.Engine)
	registerContributors(group, cfg.Engine)
	registerStats(group, cfg.Engine)
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

// handleError maps the engine's typed error surface onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from_state_id": ite.FromStateID,
			"to_state_id":   ite.ToStateID,
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", ce.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var pe engine.PersistenceError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusInternalServerError, "persistence_error", "storage failure", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
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

func registerAuth(api huma.API, e engine.Engine, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register contributor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body AuthResponse `json:"body"`
	}, error) {
		req := input.Body
		if req.Name == "" || req.Email == "" || req.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name, email and password are required", nil)
		}
		if _, err := e.Repo.GetContributorByEmail(ctx, req.Email); err == nil {
			return nil, newAPIError(http.StatusBadRequest, "email_taken", "email already registered", nil)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		hash, err := hashPassword(req.Password)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		role := req.Role
		if role == "" {
			role = "contributor"
		}
		c := domain.Contributor{
			ID:           uuid.New().String(),
			Name:         req.Name,
			Email:        strings.ToLower(req.Email),
			PasswordHash: hash,
			Role:         role,
			IsActive:     true,
			CreatedAt:    e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertContributor(ctx, c); err != nil {
			return nil, handleError(err)
		}
		token, err := generateToken(cfg.JWTSecret, c, cfg.TokenTTL, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthResponse `json:"body"`
		}{Body: AuthResponse{Contributor: contributorResponse(c), Token: token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Login",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body AuthResponse `json:"body"`
	}, error) {
		invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid email or password", nil)
		c, err := e.Repo.GetContributorByEmail(ctx, input.Body.Email)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, invalid
			}
			return nil, handleError(err)
		}
		if !c.IsActive {
			return nil, newAPIError(http.StatusUnauthorized, "account_deactivated", "account is deactivated", nil)
		}
		if !checkPassword(c.PasswordHash, input.Body.Password) {
			return nil, invalid
		}
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.TouchLastLogin(ctx, c.ID, now); err != nil {
			return nil, handleError(err)
		}
		c.LastLogin = &now
		token, err := generateToken(cfg.JWTSecret, c, cfg.TokenTTL, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthResponse `json:"body"`
		}{Body: AuthResponse{Contributor: contributorResponse(c), Token: token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Current contributor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ContributorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetContributor(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributorResponse `json:"body"`
		}{Body: contributorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPatch,
		Path:        "/auth/me",
		Summary:     "Update profile",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body UpdateMeRequest `json:"body"`
	}) (*struct {
		Body ContributorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if err := e.Repo.UpdateContributorProfile(ctx, actorID, input.Body.Name); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetContributor(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributorResponse `json:"body"`
		}{Body: contributorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-password",
		Method:      http.MethodPut,
		Path:        "/auth/password",
		Summary:     "Change password",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ChangePasswordRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetContributor(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !checkPassword(c.PasswordHash, input.Body.CurrentPassword) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "current password is incorrect", nil)
		}
		hash, err := hashPassword(input.Body.NewPassword)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpdateContributorPassword(ctx, actorID, hash); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "password changed"}}, nil
	})
}

func registerStates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-states",
		Method:      http.MethodGet,
		Path:        "/states",
		Summary:     "List workflow states",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StateResponse `json:"body"`
	}, error) {
		items, err := e.States.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StateResponse `json:"body"`
		}{Body: mapStates(items)}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities",
		Summary:       "Create entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		grants := make([]engine.ContributorGrant, 0, len(input.Body.Contributors))
		for _, g := range input.Body.Contributors {
			grants = append(grants, engine.ContributorGrant{ContributorID: g.ContributorID, Role: g.Role})
		}
		ent, err := e.CreateEntity(ctx, engine.CreateEntityCommand{
			ActorID:      actorID,
			Name:         input.Body.Name,
			Type:         input.Body.Type,
			Description:  input.Body.Description,
			Priority:     input.Body.Priority,
			DueDate:      input.Body.DueDate,
			Tags:         input.Body.Tags,
			Contributors: grants,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List entities",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		State           string `query:"state" doc:"Filter by state name"`
		Priority        string `query:"priority" doc:"Filter by priority"`
		Mine            bool   `query:"mine" doc:"Only entities where the caller is on the roster"`
		Limit           int    `query:"limit" minimum:"0" maximum:"100"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []EntityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.EntityFilters{
			Priority:        input.Priority,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		}
		if input.State != "" {
			s, err := e.States.GetByName(ctx, input.State)
			if err != nil {
				return nil, handleError(err)
			}
			f.StateID = s.ID
		}
		if input.Mine {
			f.ContributorID = actorID
		}
		items, err := e.Repo.ListEntities(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EntityResponse `json:"body"`
		}{Body: mapEntities(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := e.GetEntity(ctx, input.EntityID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPut,
		Path:        "/entities/{entity_id}",
		Summary:     "Update entity fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string              `path:"entity_id"`
		Body     UpdateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := e.UpdateEntity(ctx, engine.UpdateEntityCommand{
			ActorID:     actorID,
			EntityID:    input.EntityID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			DueDate:     input.Body.DueDate,
			Tags:        input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-entity-state",
		Method:      http.MethodPut,
		Path:        "/entities/{entity_id}/state",
		Summary:     "Change entity state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string             `path:"entity_id"`
		Body     ChangeStateRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := e.ChangeState(ctx, engine.ChangeStateCommand{
			ActorID:   actorID,
			EntityID:  input.EntityID,
			ToStateID: input.Body.StateID,
			Comment:   input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-entity",
		Method:      http.MethodDelete,
		Path:        "/entities/{entity_id}",
		Summary:     "Delete entity",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteEntity(ctx, engine.DeleteEntityCommand{ActorID: actorID, EntityID: input.EntityID}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity-timeline",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/timeline",
		Summary:     "Entity timeline",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body []TimelineEventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Timeline(ctx, input.EntityID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TimelineEventResponse `json:"body"`
		}{Body: mapTimeline(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-versions",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/versions",
		Summary:     "Entity version history",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body []VersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Versions(ctx, input.EntityID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VersionResponse `json:"body"`
		}{Body: mapVersions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-contributors",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/contributors",
		Summary:     "Entity contributor roster",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body []EntityContributorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetEntity(ctx, input.EntityID, actorID); err != nil {
			return nil, handleError(err)
		}
		links, err := e.Repo.ListEntityContributors(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EntityContributorResponse, 0, len(links))
		for _, l := range links {
			out = append(out, EntityContributorResponse{
				EntityID:      l.EntityID,
				ContributorID: l.ContributorID,
				Role:          l.Role,
				AddedAt:       l.AddedAt,
			})
		}
		return &struct {
			Body []EntityContributorResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-entity-contributor",
		Method:        http.MethodPost,
		Path:          "/entities/{entity_id}/contributors",
		Summary:       "Add contributor to entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string                `path:"entity_id"`
		Body     AddContributorRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AddContributor(ctx, engine.AddContributorCommand{
			ActorID:       actorID,
			EntityID:      input.EntityID,
			ContributorID: input.Body.ContributorID,
			Role:          input.Body.Role,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-entity-contributor",
		Method:      http.MethodDelete,
		Path:        "/entities/{entity_id}/contributors/{contributor_id}",
		Summary:     "Remove contributor from entity",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntityID      string `path:"entity_id"`
		ContributorID string `path:"contributor_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveContributor(ctx, engine.RemoveContributorCommand{
			ActorID:       actorID,
			EntityID:      input.EntityID,
			ContributorID: input.ContributorID,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerContributors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contributors",
		Method:      http.MethodGet,
		Path:        "/contributors",
		Summary:     "List contributors",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ContributorResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListContributors(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContributorResponse `json:"body"`
		}{Body: mapContributors(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-contributor",
		Method:      http.MethodDelete,
		Path:        "/contributors/{contributor_id}",
		Summary:     "Deactivate contributor",
		Description: "Soft delete: the account is deactivated, never removed, so historical versions and timeline events keep valid references.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContributorID string `path:"contributor_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		caller, err := e.Repo.GetContributor(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if caller.Role != "admin" && actorID != input.ContributorID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
		}
		if err := e.Repo.DeactivateContributor(ctx, input.ContributorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Entity statistics",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		total, err := e.Repo.CountEntities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		byState, err := e.Repo.CountEntitiesByState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		byPriority, err := e.Repo.CountEntitiesByPriority(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Total: total, ByState: byState, ByPriority: byPriority}}, nil
	})
}

func mapTimeline(in []domain.TimelineEvent) []TimelineEventResponse {
	out := make([]TimelineEventResponse, 0, len(in))
	for _, evt := range in {
		var payload map[string]any
		if evt.Payload != "" {
			_ = json.Unmarshal([]byte(evt.Payload), &payload)
		}
		out = append(out, TimelineEventResponse{
			ID:       evt.ID,
			EntityID: evt.EntityID,
			Kind:     evt.Kind,
			ActorID:  evt.ActorID,
			TS:       evt.TS,
			Payload:  payload,
		})
	}
	return out
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Traceline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
