package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)
}

func TestRequestID_Missing(t *testing.T) {
	_, ok := RequestID(context.Background())
	assert.False(t, ok)
}

func TestOperatorAndOrgScope(t *testing.T) {
	ctx := WithOperator(context.Background(), "ops@example.com")
	ctx = WithOrgScope(ctx, "*")

	op, ok := Operator(ctx)
	assert.True(t, ok)
	assert.Equal(t, "ops@example.com", op)

	scope, ok := OrgScope(ctx)
	assert.True(t, ok)
	assert.Equal(t, "*", scope)
}

func TestEmptyValuesReportMissing(t *testing.T) {
	ctx := WithOperator(context.Background(), "")
	_, ok := Operator(ctx)
	assert.False(t, ok)
}
