package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/types"
)

// openDelegation delegates a task into the triage department and returns
// the delegation id.
func (f *apiFixture) openDelegation(t *testing.T, orgID string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/organizations/"+orgID+"/tasks", org.TaskRequest{
		TaskID:     "ticket-7",
		Department: "triage",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeResponse(t, rec).Data.(map[string]any)
	return data["id"].(string)
}

func TestDelegateTask(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	nodeID := f.addAgent(t, orgID)

	rec := f.do(t, http.MethodPost, "/v1/delegations", DelegateTaskRequest{
		OrgID:       orgID,
		TaskID:      "ticket-9",
		DelegatorID: f.rootID(t, orgID),
		DelegateID:  nodeID,
		Authority:   types.Authority{ResourceCeiling: types.Budget{CPUCores: 1, MemoryMB: 512}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	data := decodeResponse(t, rec).Data.(map[string]any)
	assert.Equal(t, "ticket-9", data["task_id"])
	assert.Equal(t, string(types.DelegationInProgress), data["status"])
}

func TestDelegateTaskRequiresParticipants(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)

	rec := f.do(t, http.MethodPost, "/v1/delegations", DelegateTaskRequest{
		OrgID:  orgID,
		TaskID: "ticket-9",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDelegateTaskAuthorityExceeded(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	nodeID := f.addAgent(t, orgID)

	rec := f.do(t, http.MethodPost, "/v1/delegations", DelegateTaskRequest{
		OrgID:       orgID,
		TaskID:      "ticket-9",
		DelegatorID: f.rootID(t, orgID),
		DelegateID:  nodeID,
		Authority:   types.Authority{ResourceCeiling: types.Budget{CPUCores: 10000}},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestGetDelegation(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	f.addAgent(t, orgID)
	delegationID := f.openDelegation(t, orgID)

	rec := f.do(t, http.MethodGet, "/v1/delegations/"+delegationID+"?org="+orgID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeResponse(t, rec).Data.(map[string]any)
	assert.Equal(t, delegationID, data["id"])
	assert.Equal(t, string(types.DelegationInProgress), data["status"])
}

func TestGetDelegationRequiresOrg(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/delegations/d-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckInDelegation(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	f.addAgent(t, orgID)
	delegationID := f.openDelegation(t, orgID)

	rec := f.do(t, http.MethodPost, "/v1/delegations/"+delegationID+"/checkin", DelegationUpdateRequest{OrgID: orgID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := f.do(t, http.MethodGet, "/v1/delegations/"+delegationID+"?org="+orgID, nil)
	data := decodeResponse(t, got).Data.(map[string]any)
	assert.NotNil(t, data["last_check_in"])
}

func TestCompleteDelegation(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	f.addAgent(t, orgID)
	delegationID := f.openDelegation(t, orgID)

	rec := f.do(t, http.MethodPost, "/v1/delegations/"+delegationID+"/complete", DelegationUpdateRequest{
		OrgID:  orgID,
		Result: "resolved",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// terminal transitions are one-way
	again := f.do(t, http.MethodPost, "/v1/delegations/"+delegationID+"/complete", DelegationUpdateRequest{
		OrgID:  orgID,
		Result: "resolved",
	})
	assert.Equal(t, http.StatusBadRequest, again.Code)
}

func TestFailDelegation(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	f.addAgent(t, orgID)
	delegationID := f.openDelegation(t, orgID)

	rec := f.do(t, http.MethodPost, "/v1/delegations/"+delegationID+"/fail", DelegationUpdateRequest{
		OrgID:  orgID,
		Reason: "blocked on credentials",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := f.do(t, http.MethodGet, "/v1/delegations/"+delegationID+"?org="+orgID, nil)
	data := decodeResponse(t, got).Data.(map[string]any)
	assert.Equal(t, string(types.DelegationFailed), data["status"])
	assert.Equal(t, "blocked on credentials", data["fail_reason"])
}

func TestDelegationUnknownID(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)

	rec := f.do(t, http.MethodGet, "/v1/delegations/ghost?org="+orgID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
