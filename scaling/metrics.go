package scaling

import (
	"context"

	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/types"
)

// RouterDepthSource answers workload metrics from the live state of an
// organization: queue depth from router inbox sizes, department size
// from membership. Deployments with an external metrics pipeline plug
// in their own MetricsSource instead.
type RouterDepthSource struct {
	orgs *org.Engine
}

// NewRouterDepthSource creates a source backed by the given engine.
func NewRouterDepthSource(orgs *org.Engine) *RouterDepthSource {
	return &RouterDepthSource{orgs: orgs}
}

// Value returns the current value of the named metric for one
// department.
func (s *RouterDepthSource) Value(ctx context.Context, orgID, departmentID, metric string) (float64, error) {
	inst, err := s.orgs.Get(orgID)
	if err != nil {
		return 0, err
	}
	dept, err := inst.Department(departmentID)
	if err != nil {
		return 0, err
	}

	switch metric {
	case "queue_depth":
		depth := 0
		for _, nodeID := range dept.Members {
			depth += inst.Router.Pending(nodeID)
		}
		return float64(depth), nil
	case "department_size":
		return float64(len(dept.Members)), nil
	default:
		return 0, types.NewErrorf(types.ErrInvalidRequest, "unknown metric %q", metric)
	}
}
