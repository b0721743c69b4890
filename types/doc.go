// Copyright (c) OrgFlow Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type contracts of the OrgFlow control
plane.

types is the lowest-level package in the module. It depends on nothing
internal and supplies the value objects and error taxonomy used by the
hierarchy, role, spawn, comms, delegation, escalation, org, and scaling
packages, so that cross-package contracts never create import cycles.

Core types:

  - Node               - one organizational position bound to an agent
  - Role / Permission  - immutable position templates and capability sets
  - ScopeSet / Budget  - decision-authority tags and resource envelopes
  - Delegation         - a bounded transfer of task authority
  - Message            - an addressed unit of inter-node communication
  - Escalation         - upward propagation of an unresolved problem
  - OrgTemplate        - a named organizational blueprint
  - Error / ErrorCode  - structured errors with HTTP status and retry hints
*/
package types
