// ABOUTME: Tests that MockStore matches the SQLite store's transition semantics
// ABOUTME: Keeps the test double honest for consumers that depend on guard behavior

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_TransitionGuard(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.CreateConversation(ctx, &Conversation{
		ID: "conv-1", TenantID: "t-1", Status: StatusActive, CreatedAt: now, UpdatedAt: now,
	}))

	assignee := "prin-1"
	require.NoError(t, m.TransitionConversation(ctx, "conv-1", StatusActive, StatusHumanControlled, &assignee))

	err := m.TransitionConversation(ctx, "conv-1", StatusActive, StatusHumanControlled, &assignee)
	assert.ErrorIs(t, err, ErrStatusConflict)

	got, err := m.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, StatusHumanControlled, got.Status)
	require.NotNil(t, got.AssignedPrincipalID)
	assert.Equal(t, "prin-1", *got.AssignedPrincipalID)

	require.NoError(t, m.TransitionConversation(ctx, "conv-1", StatusHumanControlled, StatusActive, nil))
	got, err = m.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, got.AssignedPrincipalID)
}

func TestMockStore_TransitionMissing(t *testing.T) {
	m := NewMockStore()

	err := m.TransitionConversation(context.Background(), "missing", StatusActive, StatusWaiting, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_CreateConversationRejectsUnknownStatus(t *testing.T) {
	m := NewMockStore()

	err := m.CreateConversation(context.Background(), &Conversation{
		ID: "conv-1", TenantID: "t-1", Status: "paused",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")

	_, err = m.GetConversation(context.Background(), "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_CopiesOut(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "conv-1", TenantID: "t-1", Status: StatusActive}))

	got, err := m.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	got.Status = StatusEnded

	again, err := m.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status)
}
