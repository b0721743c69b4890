// Package comms implements the communication router: channel-policy
// validation, per-sender rate limits, persist-before-deliver, and
// priority-ordered inbound queues with expiry and duplicate suppression.
package comms

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/types"
)

// RouterID is the sender id used on router-originated notifications, such
// as expiry reports.
const RouterID = "router"

// Topology answers structural questions about the hierarchy the router
// serves. hierarchy.Snapshot satisfies it.
type Topology interface {
	Exists(nodeID string) bool
	IsAncestor(ancestorID, nodeID string) bool
	AreSiblings(a, b string) bool
}

// TopologySource yields the current topology on demand, so the router
// always validates against a fresh snapshot.
type TopologySource func() Topology

// ScopeResolver resolves broadcast scopes (e.g. "department:research") to
// member node ids.
type ScopeResolver interface {
	MembersOf(scope string) []string
}

// Config tunes the router.
type Config struct {
	// MessagesPerSecond is the per-sender token bucket refill rate.
	MessagesPerSecond float64 `json:"messages_per_second" yaml:"messages_per_second"`
	// Burst is the per-sender token bucket size.
	Burst int `json:"burst" yaml:"burst"`

	// Channel policy. Hierarchical permits parent-child and
	// ancestor-descendant pairs; Peer permits siblings; Broadcast
	// permits one-to-many within a declared scope.
	Hierarchical bool `json:"hierarchical" yaml:"hierarchical"`
	Peer         bool `json:"peer" yaml:"peer"`
	Broadcast    bool `json:"broadcast" yaml:"broadcast"`
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		MessagesPerSecond: 20,
		Burst:             40,
		Hierarchical:      true,
		Peer:              true,
		Broadcast:         true,
	}
}

// Router delivers messages between nodes, honoring channel policy and
// per-sender rate limits. Every accepted message is persisted before
// delivery is attempted.
type Router struct {
	topo   TopologySource
	scopes ScopeResolver
	store  persistence.Store
	config Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	inboxes  map[string]*inbox

	logger *zap.Logger
}

// NewRouter creates a router. scopes may be nil when broadcast channels
// are disabled.
func NewRouter(topo TopologySource, scopes ScopeResolver, store persistence.Store, config Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		topo:     topo,
		scopes:   scopes,
		store:    store,
		config:   config,
		limiters: make(map[string]*rate.Limiter),
		inboxes:  make(map[string]*inbox),
		logger:   logger.With(zap.String("component", "comm_router")),
	}
}

// Register creates the inbound queue for a node. Idempotent.
func (r *Router) Register(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inboxes[nodeID]; !ok {
		r.inboxes[nodeID] = newInbox()
	}
}

// Unregister tears down a node's inbound queue, dropping anything still
// queued for it. Used when the owning agent is cancelled.
func (r *Router) Unregister(nodeID string) {
	r.mu.Lock()
	in, ok := r.inboxes[nodeID]
	delete(r.inboxes, nodeID)
	delete(r.limiters, nodeID)
	r.mu.Unlock()
	if ok {
		in.close()
	}
}

// Pending returns the number of messages queued for a node.
func (r *Router) Pending(nodeID string) int {
	r.mu.Lock()
	in, ok := r.inboxes[nodeID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return in.pending()
}

// Send validates, persists, and enqueues one message. Policy and rate
// failures are synchronous; an already-expired message is rejected with
// MessageExpired and never persisted as delivered.
func (r *Router) Send(ctx context.Context, msg *types.Message) error {
	if msg.SenderID == "" || msg.ReceiverID == "" {
		return types.NewError(types.ErrInvalidRequest, "message requires sender and recipient")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if err := r.checkChannel(msg.SenderID, msg.ReceiverID); err != nil {
		return err
	}
	if !r.limiter(msg.SenderID).Allow() {
		return types.NewErrorf(types.ErrRateLimited, "sender %s over rate limit", msg.SenderID)
	}
	if msg.Expired(time.Now()) {
		return types.NewErrorf(types.ErrMessageExpired, "message %s expired before send", msg.ID)
	}

	if err := r.persist(ctx, msg, "accepted"); err != nil {
		return err
	}
	return r.deliver(msg)
}

// SendBroadcast delivers one message to every member of the declared
// scope except the sender. Each copy carries its own id but the shared
// correlation id.
func (r *Router) SendBroadcast(ctx context.Context, msg *types.Message, scope string) (int, error) {
	if !r.config.Broadcast {
		return 0, types.NewError(types.ErrChannelDenied, "broadcast channels are disabled")
	}
	if r.scopes == nil {
		return 0, types.NewError(types.ErrChannelDenied, "no broadcast scope resolver configured")
	}
	if !r.limiter(msg.SenderID).Allow() {
		return 0, types.NewErrorf(types.ErrRateLimited, "sender %s over rate limit", msg.SenderID)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	sent := 0
	for _, member := range r.scopes.MembersOf(scope) {
		if member == msg.SenderID {
			continue
		}
		each := *msg
		each.ID = uuid.New().String()
		each.ReceiverID = member
		if err := r.persist(ctx, &each, "accepted"); err != nil {
			return sent, err
		}
		if err := r.deliver(&each); err != nil {
			r.logger.Warn("broadcast delivery failed",
				zap.String("recipient", member), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

// Receive blocks until a deliverable message is queued for nodeID or ctx
// is done. Messages whose expiry passed while queued are dropped, reported
// to their senders, and never returned. Duplicate correlation ids after a
// delivery are silently dropped.
func (r *Router) Receive(ctx context.Context, nodeID string) (*types.Message, error) {
	r.mu.Lock()
	in, ok := r.inboxes[nodeID]
	r.mu.Unlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrAgentNotFound, "node %s has no inbox", nodeID)
	}

	for {
		msg, expired, closed := r.pop(in)
		for _, ex := range expired {
			r.reportExpired(ctx, ex)
		}
		if closed {
			return nil, types.NewErrorf(types.ErrAgentNotFound, "inbox for node %s was cancelled", nodeID)
		}
		if msg != nil {
			return msg, nil
		}

		select {
		case <-in.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pop removes the next deliverable message, collecting any expired or
// duplicate messages encountered on the way.
func (r *Router) pop(in *inbox) (msg *types.Message, expired []*types.Message, closed bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil, nil, true
	}
	now := time.Now()
	for in.heap.Len() > 0 {
		item := heap.Pop(&in.heap).(*queued)
		m := item.msg
		if m.Expired(now) {
			expired = append(expired, m)
			continue
		}
		if m.CorrelationID != "" {
			if _, dup := in.delivered[m.CorrelationID]; dup {
				continue // duplicate after delivery, drop
			}
			in.markDelivered(m.CorrelationID)
		}
		return m, expired, false
	}
	return nil, expired, false
}

// reportExpired marks the persisted message expired and notifies the
// sender. Expired messages are never delivered to the recipient.
func (r *Router) reportExpired(ctx context.Context, msg *types.Message) {
	r.logger.Info("message expired at dequeue",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.SenderID),
		zap.String("recipient", msg.ReceiverID),
	)
	if err := r.persist(ctx, msg, "expired"); err != nil {
		r.logger.Warn("failed to persist expiry", zap.String("message_id", msg.ID), zap.Error(err))
	}

	report := &types.Message{
		ID:            uuid.New().String(),
		SenderID:      RouterID,
		ReceiverID:    msg.SenderID,
		Kind:          types.KindNotification,
		Priority:      types.PriorityHigh,
		CreatedAt:     time.Now(),
		CorrelationID: msg.CorrelationID,
		Content:       "message expired before delivery",
		Payload: map[string]any{
			"code":       string(types.ErrMessageExpired),
			"message_id": msg.ID,
		},
	}
	r.mu.Lock()
	in, ok := r.inboxes[msg.SenderID]
	r.mu.Unlock()
	if ok {
		in.push(report)
	}
}

// deliver enqueues the message on the recipient's inbox.
func (r *Router) deliver(msg *types.Message) error {
	r.mu.Lock()
	in, ok := r.inboxes[msg.ReceiverID]
	r.mu.Unlock()
	if !ok || !in.push(msg) {
		return types.NewErrorf(types.ErrAgentNotFound, "recipient %s has no inbox", msg.ReceiverID)
	}
	return nil
}

// persist writes the message to the audit partition before delivery.
func (r *Router) persist(ctx context.Context, msg *types.Message, status string) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to encode message").WithCause(err)
	}
	meta := map[string]string{
		"status": status,
		"sender": msg.SenderID,
		"kind":   string(msg.Kind),
	}
	if err := r.store.Put(ctx, persistence.PartitionMessages, msg.ID, data, meta); err != nil {
		return types.NewError(types.ErrInternalError, "failed to persist message").WithCause(err)
	}
	return nil
}

// checkChannel validates the (sender, recipient) pair against the active
// channel policy.
func (r *Router) checkChannel(senderID, receiverID string) error {
	if senderID == RouterID {
		return nil
	}
	topo := r.topo()
	if !topo.Exists(senderID) {
		return types.NewErrorf(types.ErrAgentNotFound, "sender node %s not found", senderID)
	}
	if !topo.Exists(receiverID) {
		return types.NewErrorf(types.ErrAgentNotFound, "recipient node %s not found", receiverID)
	}

	if r.config.Hierarchical &&
		(topo.IsAncestor(senderID, receiverID) || topo.IsAncestor(receiverID, senderID)) {
		return nil
	}
	if r.config.Peer && topo.AreSiblings(senderID, receiverID) {
		return nil
	}
	return types.NewErrorf(types.ErrChannelDenied,
		"no channel permits %s -> %s under the active policy", senderID, receiverID)
}

// limiter returns (or creates) the sender's token bucket.
func (r *Router) limiter(senderID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[senderID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.config.MessagesPerSecond), r.config.Burst)
		r.limiters[senderID] = lim
	}
	return lim
}
