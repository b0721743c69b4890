package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/orgflow/orgflow/hierarchy"
	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/scaling"
	"github.com/orgflow/orgflow/types"
)

// OrgHandler serves organization lifecycle and membership endpoints.
type OrgHandler struct {
	engine     *org.Engine
	controller *scaling.Controller
	logger     *zap.Logger
}

// CreateOrgRequest instantiates an organization from an inline template.
type CreateOrgRequest struct {
	Name     string             `json:"name"`
	Template *types.OrgTemplate `json:"template"`
}

// OrgInfo is the summary returned after creation.
type OrgInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Template string `json:"template"`
	RootID   string `json:"root_id"`
}

// AgentInfo describes one attached node.
type AgentInfo struct {
	NodeID     string `json:"node_id"`
	AgentID    string `json:"agent_id"`
	Role       string `json:"role"`
	ParentID   string `json:"parent_id,omitempty"`
	Level      int    `json:"level"`
	AttachedAt string `json:"attached_at,omitempty"`
}

// ScaleRequest fires one named scaling rule immediately.
type ScaleRequest struct {
	Rule string `json:"rule"`
}

// NewOrgHandler creates the organization handler.
func NewOrgHandler(engine *org.Engine, controller *scaling.Controller, logger *zap.Logger) *OrgHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrgHandler{
		engine:     engine,
		controller: controller,
		logger:     logger.With(zap.String("component", "org_handler")),
	}
}

// HandleCreateOrganization instantiates an organization
// @Summary Create organization
// @Description Instantiate a new organization from a template
// @Tags organization
// @Accept json
// @Produce json
// @Param request body CreateOrgRequest true "Creation request"
// @Success 201 {object} Response{data=OrgInfo} "Created organization"
// @Failure 400 {object} Response "Invalid request"
// @Router /v1/organizations [post]
func (h *OrgHandler) HandleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrgRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Name == "" || req.Template == nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "name and template are required", h.logger)
		return
	}

	inst, err := h.engine.Instantiate(r.Context(), req.Template, req.Name)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	WriteCreated(w, OrgInfo{
		ID:       inst.ID,
		Name:     inst.Name,
		Template: req.Template.Name,
		RootID:   inst.RootID(),
	})
}

// HandleListOrganizations lists live organizations
// @Summary List organizations
// @Tags organization
// @Produce json
// @Success 200 {object} Response{data=[]types.OrgStatus} "Organization statuses"
// @Router /v1/organizations [get]
func (h *OrgHandler) HandleListOrganizations(w http.ResponseWriter, r *http.Request) {
	instances := h.engine.List()
	result := make([]*types.OrgStatus, 0, len(instances))
	for _, inst := range instances {
		result = append(result, inst.Status())
	}
	WriteSuccess(w, result)
}

// HandleGetOrganization returns one organization's status
// @Summary Get organization status
// @Tags organization
// @Produce json
// @Param id path string true "Organization ID"
// @Success 200 {object} Response{data=types.OrgStatus} "Status"
// @Failure 404 {object} Response "Organization not found"
// @Router /v1/organizations/{id} [get]
func (h *OrgHandler) HandleGetOrganization(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, inst.Status())
}

// HandleTeardownOrganization tears an organization down
// @Summary Teardown organization
// @Tags organization
// @Produce json
// @Param id path string true "Organization ID"
// @Success 200 {object} Response "Torn down"
// @Failure 404 {object} Response "Organization not found"
// @Router /v1/organizations/{id} [delete]
func (h *OrgHandler) HandleTeardownOrganization(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("id")
	if orgID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "organization ID is required", h.logger)
		return
	}
	if err := h.engine.Teardown(r.Context(), orgID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"org_id": orgID, "state": "torn_down"})
}

// HandleAddAgent adds an agent to the organization
// @Summary Add agent
// @Tags organization
// @Accept json
// @Produce json
// @Param id path string true "Organization ID"
// @Param request body org.AddAgentRequest true "Agent request"
// @Success 201 {object} Response{data=AgentInfo} "Attached agent"
// @Failure 400 {object} Response "Invalid request"
// @Failure 403 {object} Response "Spawn denied"
// @Failure 409 {object} Response "Structural limit exceeded"
// @Router /v1/organizations/{id}/agents [post]
func (h *OrgHandler) HandleAddAgent(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}

	var req org.AddAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RoleTitle == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "role_title is required", h.logger)
		return
	}

	node, err := inst.AddAgent(r.Context(), req)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	WriteCreated(w, toAgentInfo(node))
}

// HandleRetireAgent removes an agent from the organization
// @Summary Retire agent
// @Tags organization
// @Produce json
// @Param id path string true "Organization ID"
// @Param node path string true "Node ID"
// @Param policy query string false "Detach policy: reparent (default) or cascade"
// @Success 200 {object} Response "Retired"
// @Failure 404 {object} Response "Node not found"
// @Router /v1/organizations/{id}/agents/{node} [delete]
func (h *OrgHandler) HandleRetireAgent(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node")
	if nodeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "node ID is required", h.logger)
		return
	}

	policy := hierarchy.DetachReparent
	switch r.URL.Query().Get("policy") {
	case "", "reparent":
	case "cascade":
		policy = hierarchy.DetachCascade
	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "policy must be reparent or cascade", h.logger)
		return
	}

	if err := inst.RetireAgent(r.Context(), nodeID, policy); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"node_id": nodeID, "state": "retired"})
}

// HandleExecuteTask delegates a task into the organization
// @Summary Execute task
// @Tags organization
// @Accept json
// @Produce json
// @Param id path string true "Organization ID"
// @Param request body org.TaskRequest true "Task request"
// @Success 201 {object} Response{data=types.Delegation} "Opened delegation"
// @Failure 400 {object} Response "Invalid request"
// @Failure 403 {object} Response "Authority exceeded"
// @Router /v1/organizations/{id}/tasks [post]
func (h *OrgHandler) HandleExecuteTask(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}

	var req org.TaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TaskID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "task_id is required", h.logger)
		return
	}

	// HTTP callers observe delegation progress through GET /v1/delegations.
	d, err := inst.ExecuteTask(r.Context(), req, inst.DefaultCallbacks())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteCreated(w, d)
}

// HandleScale fires one scaling rule immediately
// @Summary Fire scaling rule
// @Tags organization
// @Accept json
// @Produce json
// @Param id path string true "Organization ID"
// @Param request body ScaleRequest true "Rule to fire"
// @Success 200 {object} Response{data=scaling.Result} "Evaluation result"
// @Failure 404 {object} Response "Rule not found"
// @Router /v1/organizations/{id}/scale [post]
func (h *OrgHandler) HandleScale(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}

	var req ScaleRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Rule == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "rule is required", h.logger)
		return
	}

	for _, rule := range inst.Rules() {
		if rule.Name != req.Rule {
			continue
		}
		result, err := h.controller.Evaluate(r.Context(), inst, rule)
		if err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
		WriteSuccess(w, result)
		return
	}
	WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "scaling rule not found", h.logger)
}

// instance resolves the {id} path value to a live organization.
func (h *OrgHandler) instance(w http.ResponseWriter, r *http.Request) (*org.Instance, bool) {
	orgID := r.PathValue("id")
	if orgID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "organization ID is required", h.logger)
		return nil, false
	}
	inst, err := h.engine.Get(orgID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return nil, false
	}
	return inst, true
}

func toAgentInfo(node *types.Node) AgentInfo {
	info := AgentInfo{
		NodeID:   node.ID,
		AgentID:  node.AgentID,
		ParentID: node.ParentID,
		Level:    node.Level,
	}
	if node.Role != nil {
		info.Role = node.Role.Title
	}
	if !node.AttachedAt.IsZero() {
		info.AttachedAt = node.AttachedAt.UTC().Format(time.RFC3339)
	}
	return info
}
