// Package ctxkeys defines the request-scoped values the API middleware
// attaches to a request context.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	operatorKey  contextKey = "operator"
	orgScopeKey  contextKey = "org_scope"
)

// WithRequestID stores the request id assigned by the RequestID middleware.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id, or "" if none was assigned.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithOperator stores the authenticated operator subject.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// Operator returns the authenticated operator subject.
func Operator(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithOrgScope stores the organization scope claimed by the operator
// token. "*" grants access to every organization.
func WithOrgScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, orgScopeKey, scope)
}

// OrgScope returns the operator's organization scope.
func OrgScope(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(orgScopeKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
