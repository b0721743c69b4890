package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/types"
)

// MessageHandler serves the inter-agent messaging endpoints.
type MessageHandler struct {
	engine *org.Engine
	logger *zap.Logger
}

// SendMessageRequest submits one message for routing. An empty
// receiver_id with a scope turns the send into a broadcast.
type SendMessageRequest struct {
	OrgID         string         `json:"org_id"`
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id,omitempty"`
	Scope         string         `json:"scope,omitempty"`
	Kind          string         `json:"kind"`
	Content       string         `json:"content,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	TTL           string         `json:"ttl,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// SendMessageResponse reports the accepted message.
type SendMessageResponse struct {
	MessageID string `json:"message_id,omitempty"`
	Delivered int    `json:"delivered"`
	Broadcast bool   `json:"broadcast"`
}

// NewMessageHandler creates the messaging handler.
func NewMessageHandler(engine *org.Engine, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		engine: engine,
		logger: logger.With(zap.String("component", "message_handler")),
	}
}

// HandleSendMessage routes one message
// @Summary Send message
// @Description Route a message between agents, or broadcast it to a scope
// @Tags messaging
// @Accept json
// @Produce json
// @Param request body SendMessageRequest true "Message"
// @Success 200 {object} Response{data=SendMessageResponse} "Accepted"
// @Failure 403 {object} Response "Channel denied"
// @Failure 410 {object} Response "Message expired"
// @Failure 429 {object} Response "Rate limited"
// @Router /v1/messages [post]
func (h *MessageHandler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.OrgID == "" || req.SenderID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "org_id and sender_id are required", h.logger)
		return
	}
	if req.ReceiverID == "" && req.Scope == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "receiver_id or scope is required", h.logger)
		return
	}

	inst, err := h.engine.Get(req.OrgID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	msg := &types.Message{
		SenderID:      req.SenderID,
		ReceiverID:    req.ReceiverID,
		Kind:          types.MessageKind(req.Kind),
		Content:       req.Content,
		Payload:       req.Payload,
		Priority:      types.Priority(req.Priority),
		CorrelationID: req.CorrelationID,
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "ttl must be a duration string", h.logger)
			return
		}
		expiry := time.Now().Add(ttl)
		msg.ExpiresAt = &expiry
	}

	if req.ReceiverID == "" {
		sent, err := inst.Router.SendBroadcast(r.Context(), msg, req.Scope)
		if err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
		WriteSuccess(w, SendMessageResponse{Delivered: sent, Broadcast: true})
		return
	}

	if err := inst.Router.Send(r.Context(), msg); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, SendMessageResponse{MessageID: msg.ID, Delivered: 1})
}

// HandleReceiveMessage pops the next message for a node
// @Summary Receive message
// @Description Block up to the wait duration for the node's next message
// @Tags messaging
// @Produce json
// @Param org query string true "Organization ID"
// @Param node query string true "Node ID"
// @Param wait query string false "Max wait duration (default 5s)"
// @Success 200 {object} Response{data=types.Message} "Next message"
// @Failure 404 {object} Response "Node not found"
// @Failure 504 {object} Response "No message before the deadline"
// @Router /v1/messages/next [get]
func (h *MessageHandler) HandleReceiveMessage(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	nodeID := r.URL.Query().Get("node")
	if orgID == "" || nodeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query parameters 'org' and 'node' are required", h.logger)
		return
	}

	wait := 5 * time.Second
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "wait must be a positive duration", h.logger)
			return
		}
		wait = parsed
	}

	inst, err := h.engine.Get(orgID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	msg, err := inst.Router.Receive(ctx, nodeID)
	if err != nil {
		if ctx.Err() != nil {
			WriteErrorMessage(w, http.StatusGatewayTimeout, types.ErrTimeout, "no message before the deadline", h.logger)
			return
		}
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, msg)
}
