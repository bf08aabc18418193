package server

import "traceline/internal/domain"

// Request payloads

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty" enum:"contributor,admin"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type UpdateMeRequest struct {
	Name string `json:"name"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type ContributorGrantRequest struct {
	ContributorID string `json:"contributor_id"`
	Role          string `json:"role,omitempty" enum:"owner,editor,viewer"`
}

type CreateEntityRequest struct {
	Name         string                    `json:"name"`
	Type         string                    `json:"type,omitempty"`
	Description  string                    `json:"description,omitempty"`
	Priority     string                    `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate      *string                   `json:"due_date,omitempty" format:"date-time"`
	Tags         []string                  `json:"tags,omitempty"`
	Contributors []ContributorGrantRequest `json:"contributors,omitempty"`
}

type UpdateEntityRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate     *string   `json:"due_date,omitempty" format:"date-time"`
	Tags        *[]string `json:"tags,omitempty"`
}

type ChangeStateRequest struct {
	StateID string `json:"state_id"`
	Comment string `json:"comment,omitempty"`
}

type AddContributorRequest struct {
	ContributorID string `json:"contributor_id"`
	Role          string `json:"role,omitempty" enum:"owner,editor,viewer"`
}

// Response payloads

type ContributorResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Role      string  `json:"role" enum:"contributor,admin"`
	IsActive  bool    `json:"is_active"`
	LastLogin *string `json:"last_login,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type AuthResponse struct {
	Contributor ContributorResponse `json:"contributor"`
	Token       string              `json:"token"`
}

type StateResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Label       string `json:"label"`
	Color       string `json:"color,omitempty"`
	Order       int    `json:"order"`
	IsInitial   bool   `json:"is_initial"`
	IsFinal     bool   `json:"is_final"`
	Description string `json:"description,omitempty"`
}

type EntityResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Type           string   `json:"type"`
	Priority       string   `json:"priority" enum:"low,medium,high,critical"`
	DueDate        *string  `json:"due_date,omitempty" format:"date-time"`
	Tags           []string `json:"tags,omitempty"`
	CurrentStateID string   `json:"current_state_id"`
	CreatedBy      string   `json:"created_by"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type EntityContributorResponse struct {
	EntityID      string `json:"entity_id"`
	ContributorID string `json:"contributor_id"`
	Role          string `json:"role" enum:"owner,editor,viewer"`
	AddedAt       string `json:"added_at" format:"date-time"`
}

type VersionResponse struct {
	ID          int64    `json:"id"`
	EntityID    string   `json:"entity_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority"`
	DueDate     *string  `json:"due_date,omitempty" format:"date-time"`
	Tags        []string `json:"tags,omitempty"`
	StateID     string   `json:"state_id"`
	AuthorID    string   `json:"author_id"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type TimelineEventResponse struct {
	ID       int64          `json:"id"`
	EntityID string         `json:"entity_id"`
	Kind     string         `json:"kind" enum:"created,updated,state_changed,contributor_added,contributor_removed"`
	ActorID  string         `json:"actor_id"`
	TS       string         `json:"ts" format:"date-time"`
	Payload  map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type StatsResponse struct {
	Total      int            `json:"total"`
	ByState    map[string]int `json:"by_state"`
	ByPriority map[string]int `json:"by_priority"`
}

// Mapping helpers

func contributorResponse(c domain.Contributor) ContributorResponse {
	return ContributorResponse{
		ID:        c.ID,
		Name:      c.Name,
		Email:     c.Email,
		Role:      c.Role,
		IsActive:  c.IsActive,
		LastLogin: c.LastLogin,
		CreatedAt: c.CreatedAt,
	}
}

func stateResponse(s domain.State) StateResponse {
	return StateResponse{
		ID:          s.ID,
		Name:        s.Name,
		Label:       s.Label,
		Color:       s.Color,
		Order:       s.Order,
		IsInitial:   s.IsInitial,
		IsFinal:     s.IsFinal,
		Description: s.Description,
	}
}

func entityResponse(e domain.Entity) EntityResponse {
	return EntityResponse{
		ID:             e.ID,
		Name:           e.Name,
		Description:    e.Description,
		Type:           e.Type,
		Priority:       e.Priority,
		DueDate:        e.DueDate,
		Tags:           e.Tags,
		CurrentStateID: e.CurrentStateID,
		CreatedBy:      e.CreatedBy,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func mapEntities(in []domain.Entity) []EntityResponse {
	out := make([]EntityResponse, 0, len(in))
	for _, e := range in {
		out = append(out, entityResponse(e))
	}
	return out
}

func mapStates(in []domain.State) []StateResponse {
	out := make([]StateResponse, 0, len(in))
	for _, s := range in {
		out = append(out, stateResponse(s))
	}
	return out
}

func mapContributors(in []domain.Contributor) []ContributorResponse {
	out := make([]ContributorResponse, 0, len(in))
	for _, c := range in {
		out = append(out, contributorResponse(c))
	}
	return out
}

func versionResponse(v domain.Version) VersionResponse {
	return VersionResponse{
		ID:          v.ID,
		EntityID:    v.EntityID,
		Name:        v.Name,
		Description: v.Description,
		Priority:    v.Priority,
		DueDate:     v.DueDate,
		Tags:        v.Tags,
		StateID:     v.StateID,
		AuthorID:    v.AuthorID,
		CreatedAt:   v.CreatedAt,
	}
}

func mapVersions(in []domain.Version) []VersionResponse {
	out := make([]VersionResponse, 0, len(in))
	for _, v := range in {
		out = append(out, versionResponse(v))
	}
	return out
}
