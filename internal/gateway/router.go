// ABOUTME: Envelope router dispatching client frames to auth, subscription,
// ABOUTME: and handoff handlers with rate-limit and capability gates up front

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/VeriTeknik/pluggedin-broker/internal/auth"
	"github.com/VeriTeknik/pluggedin-broker/internal/broker"
	"github.com/VeriTeknik/pluggedin-broker/internal/conversation"
	"github.com/VeriTeknik/pluggedin-broker/internal/limiter"
	"github.com/VeriTeknik/pluggedin-broker/internal/metrics"
	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
	"github.com/VeriTeknik/pluggedin-broker/internal/session"
	"github.com/VeriTeknik/pluggedin-broker/internal/store"
)

// PurposeMonitoring is the consent purpose required before a session may
// observe conversation traffic.
const PurposeMonitoring = "monitoring"

// Router dispatches decoded client envelopes to their handlers. Every frame
// passes the rate limiter before any parsing happens, so malformed floods
// cost the same as well-formed ones.
type Router struct {
	registry      *session.Registry
	subs          *broker.Subscriptions
	verifier      auth.TokenVerifier
	resolver      *auth.AccessResolver
	conversations *conversation.Service
	limiter       *limiter.Limiter
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewRouter creates a router over the given collaborators.
func NewRouter(
	registry *session.Registry,
	subs *broker.Subscriptions,
	verifier auth.TokenVerifier,
	resolver *auth.AccessResolver,
	conversations *conversation.Service,
	lim *limiter.Limiter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:      registry,
		subs:          subs,
		verifier:      verifier,
		resolver:      resolver,
		conversations: conversations,
		limiter:       lim,
		metrics:       m,
		logger:        logger.With("component", "router"),
	}
}

// HandleEnvelope processes a single raw client frame on the given session.
// All outcomes are reported to the client on the session itself; the caller
// only needs to keep reading.
func (rt *Router) HandleEnvelope(ctx context.Context, sess *session.Session, raw []byte) {
	sess.Touch()

	if !rt.limiter.Allow(rateKey(sess.RemoteAddr)) {
		rt.metrics.ObserveRateLimitDenial()
		retry := int(rt.limiter.RetryAfter(rateKey(sess.RemoteAddr)).Seconds())
		rt.send(sess, protocol.NewRateLimited(retry, ""))
		return
	}

	env, err := protocol.ParseInbound(raw)
	if err != nil {
		rt.send(sess, protocol.NewError(protocol.CodeInvalidJSON, "malformed envelope", ""))
		return
	}
	rt.metrics.ObserveEnvelope(env.Type)

	switch env.Type {
	case protocol.TypeAuth:
		rt.handleAuth(ctx, sess, env)
	case protocol.TypeConsent:
		rt.handleConsent(sess, env)
	case protocol.TypeSubscribe:
		rt.handleSubscribe(ctx, sess, env)
	case protocol.TypeUnsubscribe:
		rt.handleUnsubscribe(sess, env)
	case protocol.TypeInstruction:
		rt.handleInstruction(ctx, sess, env)
	case protocol.TypeTakeover:
		rt.handleTakeover(ctx, sess, env)
	case protocol.TypeRelease:
		rt.handleRelease(ctx, sess, env)
	case protocol.TypePing:
		rt.send(sess, &protocol.Outbound{Type: protocol.TypePong, MessageID: env.MessageID})
	default:
		rt.send(sess, protocol.NewError(protocol.CodeUnknownType, "unknown envelope type: "+env.Type, env.MessageID))
	}
}

// handleAuth verifies the bearer token, resolves the principal's grant, and
// binds the session to the principal. Credential failures are fatal for the
// connection: the client gets one error envelope and a policy-violation
// close.
func (rt *Router) handleAuth(ctx context.Context, sess *session.Session, env *protocol.Inbound) {
	// A session is bound to one principal for its lifetime. Allowing a
	// second auth would carry the first principal's subscriptions across an
	// identity switch; clients wanting a different identity reconnect.
	if sess.Authenticated() {
		rt.send(sess, protocol.NewError(protocol.CodeAlreadyAuthenticated, "session is already authenticated", env.MessageID))
		return
	}

	var payload protocol.AuthPayload
	if err := env.DecodePayload(&payload); err != nil {
		rt.failAuth(sess, protocol.CodeInvalidJSON, "auth payload missing token", env.MessageID)
		return
	}

	principalID, err := rt.verifier.Verify(payload.Token)
	if err != nil {
		rt.logger.Warn("token verification failed", "session_id", sess.ID, "error", err)
		rt.failAuth(sess, protocol.CodeAuthFailed, "token rejected", env.MessageID)
		return
	}

	grant, err := rt.resolver.Resolve(ctx, principalID)
	if err != nil {
		rt.logger.Warn("grant resolution failed", "principal_id", principalID, "error", err)
		rt.failAuth(sess, protocol.CodeAuthFailed, "principal rejected", env.MessageID)
		return
	}

	if err := rt.registry.MarkAuthenticated(sess, principalID, grant.Capabilities); err != nil {
		if errors.Is(err, session.ErrConnectionLimit) {
			rt.failAuth(sess, protocol.CodeConnectionLimit, "too many concurrent sessions", env.MessageID)
			return
		}
		rt.failAuth(sess, protocol.CodeInternal, "authentication failed", env.MessageID)
		return
	}

	rt.logger.Info("session authenticated", "session_id", sess.ID, "principal_id", principalID)
	rt.send(sess, &protocol.Outbound{
		Type:      protocol.TypeAuthSuccess,
		MessageID: env.MessageID,
		Payload: protocol.AuthSuccessPayload{
			SessionID:    sess.ID,
			PrincipalID:  principalID,
			Capabilities: grant.Capabilities.Strings(),
		},
	})
}

// handleConsent records the data-processing purposes the supervisor consented
// to. Consent can be granted or withdrawn at any time after authentication.
func (rt *Router) handleConsent(sess *session.Session, env *protocol.Inbound) {
	if !rt.requireAuth(sess, env) {
		return
	}
	var payload protocol.ConsentPayload
	if err := env.DecodePayload(&payload); err != nil {
		rt.send(sess, protocol.NewError(protocol.CodeInvalidJSON, "consent payload malformed", env.MessageID))
		return
	}
	sess.SetConsent(payload.Consent, payload.Purposes)
	rt.send(sess, &protocol.Outbound{
		Type:      protocol.TypeConsentAck,
		MessageID: env.MessageID,
		Payload:   payload,
	})
}

// handleSubscribe registers interest in a conversation after the full gate
// sequence: authentication, monitoring consent, and tenant ownership. On
// success the client receives a subscribed ack followed by a full state
// snapshot.
func (rt *Router) handleSubscribe(ctx context.Context, sess *session.Session, env *protocol.Inbound) {
	ref, ok := rt.conversationRef(sess, env)
	if !ok {
		return
	}
	if !rt.requireCapability(sess, auth.CapMonitor, env.MessageID) {
		return
	}
	if !sess.HasConsent(PurposeMonitoring) {
		rt.send(sess, protocol.NewError(protocol.CodeConsentRequired, "monitoring consent required", env.MessageID))
		return
	}
	if !rt.requireOwnership(ctx, sess, ref.ConversationID, env.MessageID) {
		return
	}

	snapshot, err := rt.conversations.Snapshot(ctx, ref.ConversationID)
	if err != nil {
		rt.sendConversationErr(sess, ref.ConversationID, err, env.MessageID)
		return
	}

	rt.subs.Subscribe(sess, ref.ConversationID)
	rt.send(sess, &protocol.Outbound{
		Type:      protocol.TypeSubscribed,
		MessageID: env.MessageID,
		Payload:   protocol.ConversationRef{ConversationID: ref.ConversationID},
	})
	rt.send(sess, protocol.NewEvent(protocol.TypeConversationState, snapshot))
}

// handleUnsubscribe drops interest in a conversation. Unsubscribing from a
// conversation the session never subscribed to is a no-op ack.
func (rt *Router) handleUnsubscribe(sess *session.Session, env *protocol.Inbound) {
	ref, ok := rt.conversationRef(sess, env)
	if !ok {
		return
	}
	rt.subs.Unsubscribe(sess, ref.ConversationID)
	rt.send(sess, &protocol.Outbound{
		Type:      protocol.TypeUnsubscribed,
		MessageID: env.MessageID,
		Payload:   protocol.ConversationRef{ConversationID: ref.ConversationID},
	})
}

func (rt *Router) handleInstruction(ctx context.Context, sess *session.Session, env *protocol.Inbound) {
	if !rt.requireAuth(sess, env) {
		return
	}
	if !rt.requireCapability(sess, auth.CapSendInstruction, env.MessageID) {
		return
	}
	var payload protocol.InstructionPayload
	if err := env.DecodePayload(&payload); err != nil || payload.ConversationID == "" || payload.Instruction == "" {
		rt.send(sess, protocol.NewError(protocol.CodeInvalidJSON, "instruction payload malformed", env.MessageID))
		return
	}
	if !rt.requireOwnership(ctx, sess, payload.ConversationID, env.MessageID) {
		return
	}
	if err := rt.conversations.Instruct(ctx, sess, payload.ConversationID, payload.Instruction); err != nil {
		rt.sendConversationErr(sess, payload.ConversationID, err, env.MessageID)
	}
}

func (rt *Router) handleTakeover(ctx context.Context, sess *session.Session, env *protocol.Inbound) {
	ref, ok := rt.conversationRef(sess, env)
	if !ok {
		return
	}
	if !rt.requireCapability(sess, auth.CapTakeover, env.MessageID) {
		return
	}
	if !rt.requireOwnership(ctx, sess, ref.ConversationID, env.MessageID) {
		return
	}
	if err := rt.conversations.Takeover(ctx, sess, ref.ConversationID); err != nil {
		rt.sendConversationErr(sess, ref.ConversationID, err, env.MessageID)
	}
}

func (rt *Router) handleRelease(ctx context.Context, sess *session.Session, env *protocol.Inbound) {
	ref, ok := rt.conversationRef(sess, env)
	if !ok {
		return
	}
	if !rt.requireCapability(sess, auth.CapRelease, env.MessageID) {
		return
	}
	if !rt.requireOwnership(ctx, sess, ref.ConversationID, env.MessageID) {
		return
	}
	if err := rt.conversations.Release(ctx, sess, ref.ConversationID); err != nil {
		rt.sendConversationErr(sess, ref.ConversationID, err, env.MessageID)
	}
}

// conversationRef enforces the auth gate and decodes the shared
// conversationId payload used by subscribe, unsubscribe, takeover, and
// release.
func (rt *Router) conversationRef(sess *session.Session, env *protocol.Inbound) (protocol.ConversationRef, bool) {
	if !rt.requireAuth(sess, env) {
		return protocol.ConversationRef{}, false
	}
	var ref protocol.ConversationRef
	if err := env.DecodePayload(&ref); err != nil || ref.ConversationID == "" {
		rt.send(sess, protocol.NewError(protocol.CodeInvalidJSON, "payload missing conversationId", env.MessageID))
		return protocol.ConversationRef{}, false
	}
	return ref, true
}

func (rt *Router) requireAuth(sess *session.Session, env *protocol.Inbound) bool {
	if sess.Authenticated() {
		return true
	}
	rt.send(sess, protocol.NewError(protocol.CodeAuthRequired, "authenticate first", env.MessageID))
	return false
}

func (rt *Router) requireCapability(sess *session.Session, c auth.Capability, messageID string) bool {
	if sess.HasCapability(c) {
		return true
	}
	rt.send(sess, protocol.NewError(protocol.CodeCapabilityRequired, "missing capability: "+string(c), messageID))
	return false
}

// requireOwnership checks the session's principal against the persisted
// conversation/tenant linkage. A missing conversation reports
// conversation_not_found rather than access_denied so supervisors can tell
// a stale ID from a permissions problem.
func (rt *Router) requireOwnership(ctx context.Context, sess *session.Session, conversationID, messageID string) bool {
	owns, err := rt.resolver.PrincipalOwnsConversation(ctx, sess.PrincipalID(), conversationID)
	if err != nil {
		rt.sendConversationErr(sess, conversationID, err, messageID)
		return false
	}
	if !owns {
		rt.send(sess, protocol.NewError(protocol.CodeAccessDenied, "conversation belongs to another tenant", messageID))
		return false
	}
	return true
}

// failAuth reports a fatal authentication error and tears the session down
// with a policy-violation close.
func (rt *Router) failAuth(sess *session.Session, code, message, messageID string) {
	rt.metrics.ObserveAuthFailure()
	rt.send(sess, protocol.NewError(code, message, messageID))
	sess.CloseWithCode(protocol.ClosePolicyViolation, message)
	rt.registry.Remove(sess.ID)
}

// sendConversationErr maps service and store errors to protocol error codes.
func (rt *Router) sendConversationErr(sess *session.Session, conversationID string, err error, messageID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		rt.send(sess, protocol.NewError(protocol.CodeConversationNotFound, "no such conversation: "+conversationID, messageID))
	case errors.Is(err, conversation.ErrInvalidTransition):
		rt.send(sess, protocol.NewError(protocol.CodeInvalidState, err.Error(), messageID))
	default:
		rt.logger.Error("conversation operation failed", "conversation_id", conversationID, "error", err)
		rt.send(sess, protocol.NewError(protocol.CodeInternal, "internal error", messageID))
	}
}

// send delivers an envelope to the session, pruning it when the connection
// is already dead. A full queue only drops the frame; the idle reaper deals
// with clients that stay behind.
func (rt *Router) send(sess *session.Session, env *protocol.Outbound) {
	err := sess.Send(env)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionClosed):
		rt.registry.Remove(sess.ID)
	default:
		rt.metrics.ObserveDroppedEvent()
		rt.logger.Warn("dropping envelope for slow session", "session_id", sess.ID, "type", env.Type)
	}
}

// rateKey buckets rate-limit counts by client host, ignoring the ephemeral
// port so reconnects share one window.
func rateKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
