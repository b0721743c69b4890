package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/types"
)

func TestSendAndReceiveMessage(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	nodeID := f.addAgent(t, orgID)

	inst, err := f.engine.Get(orgID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/messages", SendMessageRequest{
		OrgID:      orgID,
		SenderID:   inst.RootID(),
		ReceiverID: nodeID,
		Kind:       string(types.KindRequest),
		Content:    "triage this ticket",
		Priority:   int(types.PriorityHigh),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeResponse(t, rec).Data.(map[string]any)
	assert.Equal(t, float64(1), data["delivered"])
	assert.NotEmpty(t, data["message_id"])

	got := f.do(t, http.MethodGet, "/v1/messages/next?org="+orgID+"&node="+nodeID+"&wait=1s", nil)
	require.Equal(t, http.StatusOK, got.Code, got.Body.String())

	msg := decodeResponse(t, got).Data.(map[string]any)
	assert.Equal(t, "triage this ticket", msg["content"])
	assert.Equal(t, inst.RootID(), msg["sender_id"])
}

func TestSendMessageRequiresTarget(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)

	rec := f.do(t, http.MethodPost, "/v1/messages", SendMessageRequest{
		OrgID:    orgID,
		SenderID: "node-a",
		Kind:     string(types.KindNotification),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageUnknownOrg(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/messages", SendMessageRequest{
		OrgID:      "ghost",
		SenderID:   "a",
		ReceiverID: "b",
		Kind:       string(types.KindRequest),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageInvalidTTL(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	nodeID := f.addAgent(t, orgID)

	inst, err := f.engine.Get(orgID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/messages", SendMessageRequest{
		OrgID:      orgID,
		SenderID:   inst.RootID(),
		ReceiverID: nodeID,
		Kind:       string(types.KindRequest),
		TTL:        "soon",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBroadcastToDepartmentScope(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	f.addAgent(t, orgID)
	f.addAgent(t, orgID)

	inst, err := f.engine.Get(orgID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/messages", SendMessageRequest{
		OrgID:    orgID,
		SenderID: inst.RootID(),
		Scope:    "department:triage",
		Kind:     string(types.KindNotification),
		Content:  "standup in 5",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeResponse(t, rec).Data.(map[string]any)
	assert.Equal(t, true, data["broadcast"])
	assert.Equal(t, float64(2), data["delivered"])
}

func TestReceiveTimesOutWhenQueueEmpty(t *testing.T) {
	f := newAPIFixture(t)
	orgID := f.createOrg(t)
	nodeID := f.addAgent(t, orgID)

	rec := f.do(t, http.MethodGet, "/v1/messages/next?org="+orgID+"&node="+nodeID+"&wait=50ms", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestReceiveRequiresQueryParams(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/messages/next", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
