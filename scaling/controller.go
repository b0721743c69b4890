// Package scaling evaluates scaling rules against live metrics and issues
// spawn and retire operations on organization instances. Every action
// starts a per-rule cooldown window so a persisting condition cannot
// thrash the organization.
package scaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orgflow/orgflow/hierarchy"
	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/types"
)

// MetricsSource supplies the current value of a named metric for one
// department of one organization.
type MetricsSource interface {
	Value(ctx context.Context, orgID, departmentID, metric string) (float64, error)
}

// Config tunes the controller.
type Config struct {
	// Interval is how often every rule is re-evaluated.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// DefaultCooldown applies to rules that declare none.
	DefaultCooldown time.Duration `json:"default_cooldown" yaml:"default_cooldown"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		DefaultCooldown: 5 * time.Minute,
	}
}

// Result reports what one rule evaluation did.
type Result struct {
	Fired      bool     `json:"fired"`
	Suppressed bool     `json:"suppressed"`
	Created    []string `json:"created,omitempty"`
	Retired    []string `json:"retired,omitempty"`
}

// Controller owns the evaluation loop.
type Controller struct {
	orgs    *org.Engine
	metrics MetricsSource
	config  Config
	logger  *zap.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time // orgID/ruleName -> cooldown end

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewController creates a scaling controller over the template engine's
// live instances.
func NewController(orgs *org.Engine, metrics MetricsSource, config Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.DefaultCooldown <= 0 {
		config.DefaultCooldown = DefaultConfig().DefaultCooldown
	}
	return &Controller{
		orgs:      orgs,
		metrics:   metrics,
		config:    config,
		logger:    logger.With(zap.String("component", "scaling_controller")),
		cooldowns: make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the evaluation loop until Stop or ctx cancellation.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.EvaluateAll(ctx)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the current pass to finish.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// EvaluateAll runs one pass over every rule of every live instance. Rules
// evaluate in parallel; one rule's failure does not stop the others.
func (c *Controller) EvaluateAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range c.orgs.List() {
		for _, rule := range inst.Rules() {
			inst, rule := inst, rule
			g.Go(func() error {
				if _, err := c.Evaluate(gctx, inst, rule); err != nil {
					c.logger.Warn("rule evaluation failed",
						zap.String("org_id", inst.ID),
						zap.String("rule", rule.Name),
						zap.Error(err),
					)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// Evaluate runs one rule once. A rule inside its cooldown window is
// suppressed without consulting metrics, even if its condition persists.
func (c *Controller) Evaluate(ctx context.Context, inst *org.Instance, rule types.ScalingRule) (*Result, error) {
	key := inst.ID + "/" + rule.Name
	now := time.Now()

	c.mu.Lock()
	if until, ok := c.cooldowns[key]; ok && now.Before(until) {
		c.mu.Unlock()
		c.logger.Info("scaling rule suppressed by cooldown",
			zap.String("org_id", inst.ID),
			zap.String("rule", rule.Name),
			zap.Time("cooldown_until", until),
		)
		return &Result{Suppressed: true}, nil
	}
	c.mu.Unlock()

	value, err := c.metrics.Value(ctx, inst.ID, rule.DepartmentID, rule.Metric)
	if err != nil {
		return nil, err
	}
	if !fires(rule.Trigger, value, rule.Threshold) {
		return &Result{}, nil
	}

	result := &Result{Fired: true}
	switch rule.Action {
	case types.ScaleUp:
		result.Created, err = c.scaleUp(ctx, inst, rule)
	case types.ScaleDown:
		result.Retired, err = c.scaleDown(ctx, inst, rule)
	case types.ScaleRestructure:
		err = c.restructure(ctx, inst, rule)
	default:
		return nil, types.NewErrorf(types.ErrInvalidRequest, "rule %s names unknown action %q", rule.Name, rule.Action)
	}

	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = c.config.DefaultCooldown
	}
	c.mu.Lock()
	c.cooldowns[key] = now.Add(cooldown)
	c.mu.Unlock()

	c.logger.Info("scaling rule fired",
		zap.String("org_id", inst.ID),
		zap.String("rule", rule.Name),
		zap.String("action", string(rule.Action)),
		zap.Float64("value", value),
		zap.Float64("threshold", rule.Threshold),
		zap.Int("created", len(result.Created)),
		zap.Int("retired", len(result.Retired)),
	)
	return result, err
}

// fires decides whether the metric crossed the rule's threshold. Workload
// metrics (queue depth, backlog) fire high; performance and availability
// metrics (success rate, idle ratio) fire low.
func fires(trigger types.TriggerKind, value, threshold float64) bool {
	if trigger == types.TriggerWorkload {
		return value > threshold
	}
	return value < threshold
}

// scaleUp spawns the rule's count of target-role agents into its
// department, stopping at the department's maximum size.
func (c *Controller) scaleUp(ctx context.Context, inst *org.Instance, rule types.ScalingRule) ([]string, error) {
	dept, err := inst.Department(rule.DepartmentID)
	if err != nil {
		return nil, err
	}
	count := rule.Count
	if count <= 0 {
		count = 1
	}
	if dept.MaxSize > 0 && len(dept.Members)+count > dept.MaxSize {
		count = dept.MaxSize - len(dept.Members)
	}

	var created []string
	for i := 0; i < count; i++ {
		node, err := inst.AddAgent(ctx, org.AddAgentRequest{
			RoleTitle:    rule.TargetRole,
			DepartmentID: dept.ID,
			Budget:       perAgentBudget(dept),
		})
		if err != nil {
			return created, err
		}
		created = append(created, node.ID)
	}
	return created, nil
}

// scaleDown retires the least-recently-active members of the department,
// never going below its minimum size. Retired nodes detach under the
// re-parent policy so their subordinates survive.
func (c *Controller) scaleDown(ctx context.Context, inst *org.Instance, rule types.ScalingRule) ([]string, error) {
	dept, err := inst.Department(rule.DepartmentID)
	if err != nil {
		return nil, err
	}
	count := rule.Count
	if count <= 0 {
		count = 1
	}
	if surplus := len(dept.Members) - dept.MinSize; count > surplus {
		count = surplus
	}
	if count <= 0 {
		return nil, nil
	}

	snap := inst.Registry.Snapshot()
	candidates := make([]*types.Node, 0, len(dept.Members))
	for _, id := range dept.Members {
		if node, err := snap.Node(id); err == nil {
			candidates = append(candidates, node)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActiveAt.Before(candidates[j].LastActiveAt)
	})

	var retired []string
	for _, node := range candidates[:min(count, len(candidates))] {
		if err := inst.RetireAgent(ctx, node.ID, hierarchy.DetachReparent); err != nil {
			return retired, err
		}
		retired = append(retired, node.ID)
	}
	return retired, nil
}

// restructure rebalances the department: members crowded under one
// supervisor are re-parented to the department's least-loaded
// spawn-capable member, flattening hot spots without changing head count.
func (c *Controller) restructure(ctx context.Context, inst *org.Instance, rule types.ScalingRule) error {
	dept, err := inst.Department(rule.DepartmentID)
	if err != nil {
		return err
	}
	snap := inst.Registry.Snapshot()

	var supervisors []*types.Node
	for _, id := range dept.Members {
		node, err := snap.Node(id)
		if err != nil {
			continue
		}
		if node.Role != nil && node.Role.CanSpawn {
			supervisors = append(supervisors, node)
		}
	}
	if len(supervisors) < 2 {
		return nil // nothing to rebalance against
	}
	sort.Slice(supervisors, func(i, j int) bool {
		return supervisors[i].Fanout() > supervisors[j].Fanout()
	})
	busiest, calmest := supervisors[0], supervisors[len(supervisors)-1]
	if busiest.Fanout()-calmest.Fanout() < 2 {
		return nil
	}

	moved := busiest.Children[len(busiest.Children)-1]
	if err := inst.Registry.Reparent(ctx, moved, calmest.ID); err != nil {
		return err
	}
	c.logger.Info("restructured department",
		zap.String("org_id", inst.ID),
		zap.String("department", dept.Name),
		zap.String("moved", moved),
		zap.String("from", busiest.ID),
		zap.String("to", calmest.ID),
	)
	return nil
}

// perAgentBudget splits the department envelope across its maximum size.
func perAgentBudget(dept *types.Department) types.Budget {
	share := dept.MaxSize
	if share <= 0 {
		share = 1
	}
	return types.Budget{
		CPUCores: max(dept.Budget.CPUCores/share, 1),
		MemoryMB: max(dept.Budget.MemoryMB/int64(share), 256),
		Tools:    append([]string(nil), dept.Budget.Tools...),
	}
}
