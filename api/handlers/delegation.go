package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/types"
)

// DelegationHandler serves delegation progress endpoints. Delegations
// live inside one organization's engine, so every request names its org.
type DelegationHandler struct {
	engine *org.Engine
	logger *zap.Logger
}

// DelegationUpdateRequest advances one delegation.
type DelegationUpdateRequest struct {
	OrgID  string `json:"org_id"`
	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// DelegateTaskRequest hands a task from one node to a subordinate under
// a bounded authority grant.
type DelegateTaskRequest struct {
	OrgID       string            `json:"org_id"`
	TaskID      string            `json:"task_id"`
	DelegatorID string            `json:"delegator_id"`
	DelegateID  string            `json:"delegate_id"`
	Authority   types.Authority   `json:"authority"`
	Constraints types.Constraints `json:"constraints"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
}

// NewDelegationHandler creates the delegation handler.
func NewDelegationHandler(engine *org.Engine, logger *zap.Logger) *DelegationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelegationHandler{
		engine: engine,
		logger: logger.With(zap.String("component", "delegation_handler")),
	}
}

// HandleDelegateTask opens a delegation between two nodes
// @Summary Delegate a task
// @Tags delegation
// @Accept json
// @Produce json
// @Param request body DelegateTaskRequest true "Delegation request"
// @Success 201 {object} Response{data=types.Delegation} "Delegation opened"
// @Failure 400 {object} Response "Invalid request"
// @Failure 403 {object} Response "Authority exceeded"
// @Router /v1/delegations [post]
func (h *DelegationHandler) HandleDelegateTask(w http.ResponseWriter, r *http.Request) {
	var req DelegateTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.OrgID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "org_id is required", h.logger)
		return
	}
	if req.TaskID == "" || req.DelegatorID == "" || req.DelegateID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"task_id, delegator_id, and delegate_id are required", h.logger)
		return
	}
	inst, err := h.engine.Get(req.OrgID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	d, err := inst.Delegator.Delegate(r.Context(), &types.Delegation{
		TaskID:      req.TaskID,
		DelegatorID: req.DelegatorID,
		DelegateID:  req.DelegateID,
		Authority:   req.Authority,
		Constraints: req.Constraints,
		Deadline:    req.Deadline,
	}, inst.DefaultCallbacks())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.logger.Info("delegation opened",
		zap.String("org_id", req.OrgID),
		zap.String("delegation_id", d.ID),
		zap.String("task_id", d.TaskID))
	WriteCreated(w, d)
}

// HandleGetDelegation returns one delegation
// @Summary Get delegation
// @Tags delegation
// @Produce json
// @Param id path string true "Delegation ID"
// @Param org query string true "Organization ID"
// @Success 200 {object} Response{data=types.Delegation} "Delegation"
// @Failure 404 {object} Response "Delegation not found"
// @Router /v1/delegations/{id} [get]
func (h *DelegationHandler) HandleGetDelegation(w http.ResponseWriter, r *http.Request) {
	inst, delegationID, ok := h.resolve(w, r, r.URL.Query().Get("org"))
	if !ok {
		return
	}
	d, err := inst.Delegator.Get(delegationID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, d)
}

// HandleCheckIn records a delegate check-in
// @Summary Delegation check-in
// @Tags delegation
// @Accept json
// @Produce json
// @Param id path string true "Delegation ID"
// @Param request body DelegationUpdateRequest true "Check-in"
// @Success 200 {object} Response "Recorded"
// @Failure 404 {object} Response "Delegation not found"
// @Router /v1/delegations/{id}/checkin [post]
func (h *DelegationHandler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req DelegationUpdateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	inst, delegationID, ok := h.resolve(w, r, req.OrgID)
	if !ok {
		return
	}
	if err := inst.Delegator.CheckIn(r.Context(), delegationID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"delegation_id": delegationID, "state": "checked_in"})
}

// HandleComplete marks a delegation completed
// @Summary Complete delegation
// @Tags delegation
// @Accept json
// @Produce json
// @Param id path string true "Delegation ID"
// @Param request body DelegationUpdateRequest true "Completion"
// @Success 200 {object} Response "Completed"
// @Failure 400 {object} Response "Already terminal"
// @Router /v1/delegations/{id}/complete [post]
func (h *DelegationHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req DelegationUpdateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	inst, delegationID, ok := h.resolve(w, r, req.OrgID)
	if !ok {
		return
	}
	if err := inst.Delegator.HandleCompletion(r.Context(), delegationID, req.Result); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"delegation_id": delegationID, "state": "completed"})
}

// HandleFail marks a delegation failed
// @Summary Fail delegation
// @Tags delegation
// @Accept json
// @Produce json
// @Param id path string true "Delegation ID"
// @Param request body DelegationUpdateRequest true "Failure"
// @Success 200 {object} Response "Failed"
// @Failure 400 {object} Response "Already terminal"
// @Router /v1/delegations/{id}/fail [post]
func (h *DelegationHandler) HandleFail(w http.ResponseWriter, r *http.Request) {
	var req DelegationUpdateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	inst, delegationID, ok := h.resolve(w, r, req.OrgID)
	if !ok {
		return
	}
	if err := inst.Delegator.HandleFailure(r.Context(), delegationID, req.Reason); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"delegation_id": delegationID, "state": "failed"})
}

func (h *DelegationHandler) resolve(w http.ResponseWriter, r *http.Request, orgID string) (*org.Instance, string, bool) {
	delegationID := r.PathValue("id")
	if delegationID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "delegation ID is required", h.logger)
		return nil, "", false
	}
	if orgID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "org_id is required", h.logger)
		return nil, "", false
	}
	inst, err := h.engine.Get(orgID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return nil, "", false
	}
	return inst, delegationID, true
}
