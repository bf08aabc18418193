package domain

type Entity struct {
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

type State struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Label       string `json:"label"`
	Color       string `json:"color,omitempty"`
	Order       int    `json:"order"`
	IsInitial   bool   `json:"is_initial"`
	IsFinal     bool   `json:"is_final"`
	Description string `json:"description,omitempty"`
}

type Contributor struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	PasswordHash string  `json:"-"`
	Role         string  `json:"role" enum:"contributor,admin"`
	IsActive     bool    `json:"is_active"`
	LastLogin    *string `json:"last_login,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type EntityContributor struct {
	EntityID      string `json:"entity_id"`
	ContributorID string `json:"contributor_id"`
	Role          string `json:"role" enum:"owner,editor,viewer"`
	AddedAt       string `json:"added_at" format:"date-time"`
}

// Version is an immutable snapshot of an entity's mutable fields taken at
// commit time. Rows are never updated; they are removed only by entity cascade.
type Version struct {
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

// TimelineEvent is one audit record. Events for an entity are totally ordered
// by (ts, id); id is the insertion sequence.
type TimelineEvent struct {
	ID       int64  `json:"id"`
	EntityID string `json:"entity_id"`
	Kind     string `json:"kind" enum:"created,updated,state_changed,contributor_added,contributor_removed"`
	ActorID  string `json:"actor_id"`
	TS       string `json:"ts" format:"date-time"`
	Payload  string `json:"payload_json"`
}
