package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field limits enforced by the remote resource.
const (
	MaxTitleLen       = 500
	MaxDescriptionLen = 2000
)

// ProvisionalPrefix tags ids minted locally for optimistic entries.
const ProvisionalPrefix = "temp-"

// Todo is the domain model for a todo entry as the server returns it.
type Todo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	IsCompleted bool      `json:"is_completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Provisional reports whether the todo only exists locally.
func (t Todo) Provisional() bool { return IsProvisional(t.ID) }

// Desc returns the description or "" when it is null.
func (t Todo) Desc() string {
	if t.Description == nil {
		return ""
	}
	return *t.Description
}

// NewProvisionalID returns a placeholder id that is never sent to the server.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was minted by NewProvisionalID.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Draft is the body of a create request.
type Draft struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	IsCompleted bool    `json:"is_completed"`
}

// Provisional builds the optimistic entry shown while the create is in flight.
func (d Draft) Provisional(id string, now time.Time) Todo {
	return Todo{
		ID:          id,
		Title:       d.Title,
		Description: d.Description,
		IsCompleted: d.IsCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Patch is a partial update. Nil fields are left untouched; ClearDescription
// sends an explicit null for the description.
type Patch struct {
	Title            *string
	Description      *string
	ClearDescription bool
	IsCompleted      *bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && !p.ClearDescription && p.IsCompleted == nil
}

// Apply shallow-merges the patch over t.
func (p Patch) Apply(t Todo) Todo {
	out := t
	if p.Title != nil {
		out.Title = *p.Title
	}
	switch {
	case p.ClearDescription:
		out.Description = nil
	case p.Description != nil:
		d := *p.Description
		out.Description = &d
	}
	if p.IsCompleted != nil {
		out.IsCompleted = *p.IsCompleted
	}
	return out
}

// MarshalJSON emits only the fields the patch sets.
func (p Patch) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 3)
	if p.Title != nil {
		m["title"] = *p.Title
	}
	switch {
	case p.ClearDescription:
		m["description"] = nil
	case p.Description != nil:
		m["description"] = *p.Description
	}
	if p.IsCompleted != nil {
		m["is_completed"] = *p.IsCompleted
	}
	return json.Marshal(m)
}

// Completion is a patch that only sets is_completed.
func Completion(done bool) Patch {
	return Patch{IsCompleted: &done}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
