// ABOUTME: Guarded state machine for conversation handoff between AI and humans
// ABOUTME: Persists transitions first; broadcasts only what the store accepted

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/VeriTeknik/pluggedin-broker/internal/broker"
	"github.com/VeriTeknik/pluggedin-broker/internal/metrics"
	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
	"github.com/VeriTeknik/pluggedin-broker/internal/session"
	"github.com/VeriTeknik/pluggedin-broker/internal/store"
)

// Transition errors
var (
	ErrInvalidTransition = errors.New("transition not allowed from current status")
)

// StatePayload is the wire representation of a conversation's current state,
// sent in conversation_state and conversation_update envelopes.
type StatePayload struct {
	ConversationID      string     `json:"conversationId"`
	Status              string     `json:"status"`
	AssignedPrincipalID *string    `json:"assignedPrincipalId,omitempty"`
	AssignedAt          *time.Time `json:"assignedAt,omitempty"`
	TakeoverAt          *time.Time `json:"takeoverAt,omitempty"`
}

// InstructionEvent is the payload broadcast when a supervisor instructs the AI.
type InstructionEvent struct {
	ConversationID string    `json:"conversationId"`
	PrincipalID    string    `json:"principalId"`
	Instruction    string    `json:"instruction"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HandoffEvent is the payload broadcast on takeover and release.
type HandoffEvent struct {
	ConversationID string    `json:"conversationId"`
	PrincipalID    string    `json:"principalId"`
	At             time.Time `json:"at"`
}

// Service drives conversation status transitions. All status mutations go
// through the store's conditional TransitionConversation; handlers never
// write status directly.
type Service struct {
	store   store.Store
	subs    *broker.Subscriptions
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a conversation service.
func New(s store.Store, subs *broker.Subscriptions, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		subs:    subs,
		metrics: m,
		logger:  logger.With("component", "conversation"),
	}
}

// Snapshot returns the conversation's current state for the initial
// conversation_state envelope delivered on subscribe.
func (s *Service) Snapshot(ctx context.Context, conversationID string) (*StatePayload, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return statePayload(conv), nil
}

// MarkWaiting transitions active -> waiting. System-triggered: the automated
// responder declined to answer or a message was queued for human attention.
// No capability check applies.
func (s *Service) MarkWaiting(ctx context.Context, conversationID string) error {
	err := s.store.TransitionConversation(ctx, conversationID, store.StatusActive, store.StatusWaiting, nil)
	if err != nil {
		s.metrics.ObserveTransitionError()
		return s.transitionErr(conversationID, store.StatusWaiting, err)
	}
	s.metrics.ObserveTransition(string(store.StatusWaiting))

	s.broadcastState(ctx, conversationID, protocol.TypeConversationUpdate, "")
	return nil
}

// Instruct appends a supervisor instruction to the conversation's message
// log and resumes automated processing. From waiting the status reverts to
// active; an instruction on an already-active conversation keeps the status
// and only records and broadcasts the instruction.
func (s *Service) Instruct(ctx context.Context, sess *session.Session, conversationID, instruction string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	switch conv.Status {
	case store.StatusWaiting:
		if err := s.store.TransitionConversation(ctx, conversationID, store.StatusWaiting, store.StatusActive, nil); err != nil {
			s.metrics.ObserveTransitionError()
			return s.transitionErr(conversationID, store.StatusActive, err)
		}
		s.metrics.ObserveTransition(string(store.StatusActive))
	case store.StatusActive:
		// No status change
	default:
		s.metrics.ObserveTransitionError()
		return fmt.Errorf("%w: instruction on %s conversation", ErrInvalidTransition, conv.Status)
	}

	msg := &store.ConversationMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           store.RoleInstruction,
		Content:        instruction,
		PrincipalID:    sess.PrincipalID(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("recording instruction: %w", err)
	}

	s.logger.Info("instruction recorded",
		"conversation_id", conversationID,
		"principal_id", sess.PrincipalID(),
	)

	event := protocol.NewEvent(protocol.TypeInstruction, InstructionEvent{
		ConversationID: conversationID,
		PrincipalID:    sess.PrincipalID(),
		Instruction:    instruction,
		CreatedAt:      msg.CreatedAt,
	})
	s.subs.Broadcast(conversationID, event, "")
	s.metrics.ObserveBroadcast()
	return nil
}

// Takeover transitions active -> human_controlled, assigning the acting
// principal. The store's conditional update arbitrates racing takeovers:
// exactly one wins, the rest get ErrInvalidTransition.
func (s *Service) Takeover(ctx context.Context, sess *session.Session, conversationID string) error {
	principalID := sess.PrincipalID()
	err := s.store.TransitionConversation(ctx, conversationID, store.StatusActive, store.StatusHumanControlled, &principalID)
	if err != nil {
		s.metrics.ObserveTransitionError()
		return s.transitionErr(conversationID, store.StatusHumanControlled, err)
	}
	s.metrics.ObserveTransition(string(store.StatusHumanControlled))

	s.logger.Info("conversation taken over",
		"conversation_id", conversationID,
		"principal_id", principalID,
	)

	event := protocol.NewEvent(protocol.TypeTakeover, HandoffEvent{
		ConversationID: conversationID,
		PrincipalID:    principalID,
		At:             time.Now().UTC(),
	})
	s.subs.Broadcast(conversationID, event, "")
	s.metrics.ObserveBroadcast()
	return nil
}

// Release transitions human_controlled -> active, clearing the assignment.
func (s *Service) Release(ctx context.Context, sess *session.Session, conversationID string) error {
	err := s.store.TransitionConversation(ctx, conversationID, store.StatusHumanControlled, store.StatusActive, nil)
	if err != nil {
		s.metrics.ObserveTransitionError()
		return s.transitionErr(conversationID, store.StatusActive, err)
	}
	s.metrics.ObserveTransition(string(store.StatusActive))

	s.logger.Info("conversation released",
		"conversation_id", conversationID,
		"principal_id", sess.PrincipalID(),
	)

	event := protocol.NewEvent(protocol.TypeReleased, HandoffEvent{
		ConversationID: conversationID,
		PrincipalID:    sess.PrincipalID(),
		At:             time.Now().UTC(),
	})
	s.subs.Broadcast(conversationID, event, "")
	s.metrics.ObserveBroadcast()
	return nil
}

// broadcastState fans out the conversation's current persisted state.
func (s *Service) broadcastState(ctx context.Context, conversationID, envType, excludeSessionID string) {
	state, err := s.Snapshot(ctx, conversationID)
	if err != nil {
		s.logger.Warn("loading state for broadcast failed",
			"conversation_id", conversationID,
			"error", err)
		return
	}
	s.subs.Broadcast(conversationID, protocol.NewEvent(envType, state), excludeSessionID)
	s.metrics.ObserveBroadcast()
}

// transitionErr maps store errors onto the service's error vocabulary.
func (s *Service) transitionErr(conversationID string, to store.ConversationStatus, err error) error {
	if errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("%w: cannot move %s to %s", ErrInvalidTransition, conversationID, to)
	}
	return err
}

func statePayload(conv *store.Conversation) *StatePayload {
	return &StatePayload{
		ConversationID:      conv.ID,
		Status:              string(conv.Status),
		AssignedPrincipalID: conv.AssignedPrincipalID,
		AssignedAt:          conv.AssignedAt,
		TakeoverAt:          conv.TakeoverAt,
	}
}
