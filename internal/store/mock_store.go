// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	principals    map[string]*Principal
	tenants       map[string]*Tenant
	conversations map[string]*Conversation
	messages      map[string][]*ConversationMessage // keyed by conversationID

	// TransitionErr, when set, is returned by TransitionConversation to
	// simulate persistence failures.
	TransitionErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		principals:    make(map[string]*Principal),
		tenants:       make(map[string]*Tenant),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*ConversationMessage),
	}
}

// CreatePrincipal stores a new principal.
func (m *MockStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.principals[cp.ID] = &cp
	return nil
}

// GetPrincipal retrieves a principal by ID.
func (m *MockStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// CreateTenant stores a new tenant.
func (m *MockStore) CreateTenant(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ct := *t
	m.tenants[ct.ID] = &ct
	return nil
}

// GetTenant retrieves a tenant by ID.
func (m *MockStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// ListTenantsByOwner retrieves all tenants owned by the given principal.
func (m *MockStore) ListTenantsByOwner(ctx context.Context, ownerID string) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tenants []*Tenant
	for _, t := range m.tenants {
		if t.OwnerID == ownerID {
			ct := *t
			tenants = append(tenants, &ct)
		}
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if !c.Status.Valid() {
		return fmt.Errorf("creating conversation: invalid status %q", c.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cc := *c
	m.conversations[cc.ID] = &cc
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// TransitionConversation applies a guarded status change with the same
// conflict semantics as the SQLite implementation.
func (m *MockStore) TransitionConversation(ctx context.Context, id string, from, to ConversationStatus, assigned *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TransitionErr != nil {
		return m.TransitionErr
	}

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrStatusConflict
	}

	now := time.Now().UTC()
	c.Status = to
	c.UpdatedAt = now
	if to == StatusHumanControlled {
		if assigned == nil {
			return fmt.Errorf("transition to human_controlled requires an assignee")
		}
		a := *assigned
		c.AssignedPrincipalID = &a
		c.AssignedAt = &now
		c.TakeoverAt = &now
	} else {
		c.AssignedPrincipalID = nil
		c.AssignedAt = nil
		c.TakeoverAt = nil
	}
	return nil
}

// AppendMessage stores a new message.
func (m *MockStore) AppendMessage(ctx context.Context, msg *ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cm := *msg
	m.messages[cm.ConversationID] = append(m.messages[cm.ConversationID], &cm)
	return nil
}

// ListMessages retrieves messages for a conversation in append order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*ConversationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	result := make([]*ConversationMessage, len(msgs))
	for i, msg := range msgs {
		cm := *msg
		result[i] = &cm
	}
	return result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
