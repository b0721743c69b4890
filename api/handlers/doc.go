/*
Package handlers implements the HTTP request handlers for the orgflow
control-plane API.

Every handler follows the standard net/http interface and shares one
response envelope (Response) and error mapping (types.ErrorCode to HTTP
status). Swagger annotations on each handler generate the API docs.

Core handlers:

  - OrgHandler        - organization lifecycle, membership, tasks, scaling
  - MessageHandler    - inter-agent send, broadcast, and receive
  - DelegationHandler - delegation check-in, completion, failure, lookup
  - HealthHandler     - liveness and readiness probes with pluggable checks
*/
package handlers
