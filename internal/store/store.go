// ABOUTME: Store interface and data types for pluggedin-broker persistence
// ABOUTME: Defines Principal, Tenant, Conversation structs and guarded transitions

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStatusConflict is returned when a conversation transition is attempted
// from a status that no longer matches the expected source status.
var ErrStatusConflict = errors.New("conversation status conflict")

// PrincipalStatus represents the lifecycle state of a principal
type PrincipalStatus string

const (
	PrincipalStatusActive  PrincipalStatus = "active"
	PrincipalStatusRevoked PrincipalStatus = "revoked"
)

// Principal represents a supervisor account that can authenticate to the broker
type Principal struct {
	ID        string
	Name      string
	Status    PrincipalStatus
	CreatedAt time.Time
}

// Tenant represents a workspace owned by a principal; conversations belong to tenants
type Tenant struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// ConversationStatus represents the handoff state of a conversation
type ConversationStatus string

const (
	StatusActive          ConversationStatus = "active"
	StatusWaiting         ConversationStatus = "waiting"
	StatusHumanControlled ConversationStatus = "human_controlled"
	StatusEnded           ConversationStatus = "ended"
)

// ValidStatuses lists all recognized conversation statuses
var ValidStatuses = []ConversationStatus{
	StatusActive,
	StatusWaiting,
	StatusHumanControlled,
	StatusEnded,
}

// Valid reports whether s is a recognized conversation status.
func (s ConversationStatus) Valid() bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Conversation represents a visitor chat session subject to supervision.
// AssignedPrincipalID is non-nil iff Status == human_controlled.
type Conversation struct {
	ID                  string
	TenantID            string
	Status              ConversationStatus
	AssignedPrincipalID *string
	AssignedAt          *time.Time
	TakeoverAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Message role constants
const (
	RoleVisitor     = "visitor"
	RoleAssistant   = "assistant"
	RoleInstruction = "instruction"
	RoleSupervisor  = "supervisor"
)

// ConversationMessage represents a single entry in a conversation's message log
type ConversationMessage struct {
	ID             string
	ConversationID string
	Role           string // "visitor", "assistant", "instruction", "supervisor"
	Content        string
	PrincipalID    string // set for instruction/supervisor entries
	CreatedAt      time.Time
}

// Store defines the interface for broker persistence
type Store interface {
	// Principals
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	CreatePrincipal(ctx context.Context, p *Principal) error

	// Tenants
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	CreateTenant(ctx context.Context, t *Tenant) error
	ListTenantsByOwner(ctx context.Context, ownerID string) ([]*Tenant, error)

	// Conversations
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, c *Conversation) error

	// TransitionConversation applies a guarded status change. The update only
	// succeeds when the conversation's current status equals from; otherwise
	// ErrStatusConflict is returned and nothing is written. assigned carries
	// the assignee for transitions into human_controlled and must be nil for
	// every other target status.
	TransitionConversation(ctx context.Context, id string, from, to ConversationStatus, assigned *string) error

	// Messages
	AppendMessage(ctx context.Context, msg *ConversationMessage) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*ConversationMessage, error)

	// Close releases the underlying resources
	Close() error
}
