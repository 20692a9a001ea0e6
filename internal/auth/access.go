// ABOUTME: Access resolver deriving capability grants from tenant ownership
// ABOUTME: Recomputed on every authentication, never cached across sessions

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/VeriTeknik/pluggedin-broker/internal/store"
)

// Access errors
var (
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrPrincipalRevoked  = errors.New("principal revoked")
)

// AccessStore defines what the resolver needs from storage
type AccessStore interface {
	GetPrincipal(ctx context.Context, id string) (*store.Principal, error)
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	ListTenantsByOwner(ctx context.Context, ownerID string) ([]*store.Tenant, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Grant holds the result of resolving a principal's access: the tenants it
// owns and the capability set derived from that ownership.
type Grant struct {
	PrincipalID  string
	Capabilities CapabilitySet

	ownedTenants map[string]struct{}
}

// OwnsTenant reports whether the grant covers the given tenant
func (g *Grant) OwnsTenant(tenantID string) bool {
	_, ok := g.ownedTenants[tenantID]
	return ok
}

// AccessResolver resolves principals to capability grants
type AccessResolver struct {
	store  AccessStore
	logger *slog.Logger
}

// NewAccessResolver creates a resolver backed by the given store
func NewAccessResolver(s AccessStore, logger *slog.Logger) *AccessResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessResolver{
		store:  s,
		logger: logger.With("component", "access"),
	}
}

// Resolve loads the principal, verifies it is active, and derives its
// capability set as the union across owned tenants. A principal with no
// tenants resolves to an empty capability set, not an error.
func (r *AccessResolver) Resolve(ctx context.Context, principalID string) (*Grant, error) {
	principal, err := r.store.GetPrincipal(ctx, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading principal: %w", err)
	}
	if principal.Status == store.PrincipalStatusRevoked {
		return nil, ErrPrincipalRevoked
	}

	tenants, err := r.store.ListTenantsByOwner(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("loading tenants: %w", err)
	}

	grant := &Grant{
		PrincipalID:  principalID,
		Capabilities: NewCapabilitySet(),
		ownedTenants: make(map[string]struct{}, len(tenants)),
	}
	for _, t := range tenants {
		grant.ownedTenants[t.ID] = struct{}{}
	}
	if len(tenants) > 0 {
		grant.Capabilities = NewCapabilitySet(OwnerCapabilities...)
	}

	r.logger.Debug("resolved grant",
		"principal_id", principalID,
		"tenants", len(tenants),
		"capabilities", len(grant.Capabilities),
	)
	return grant, nil
}

// PrincipalOwnsConversation checks ownership against the persisted
// conversation/tenant linkage rather than a cached grant, so revoked or
// transferred tenants are seen immediately. Returns store.ErrNotFound when
// the conversation does not exist.
func (r *AccessResolver) PrincipalOwnsConversation(ctx context.Context, principalID, conversationID string) (bool, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	tenant, err := r.store.GetTenant(ctx, conv.TenantID)
	if err != nil {
		return false, err
	}
	return tenant.OwnerID == principalID, nil
}
