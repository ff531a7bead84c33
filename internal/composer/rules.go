package composer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ShayCichocki/weave/internal/shared"
)

// Rule is a composition rule. Rules are evaluated per graph node in
// ascending Priority order; the first rule that matches a node is applied
// and the rest are skipped for that node.
type Rule interface {
	Name() string
	Priority() int
	Match(ctx context.Context, c *Composer, agentID string, sc *shared.Context) bool
	Apply(ctx context.Context, c *Composer, agentID string, sc *shared.Context) (RuleEffect, error)
}

// RuleEffect records what a rule did.
type RuleEffect struct {
	Rule   string    `json:"rule"`
	Agent  string    `json:"agent"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// NewerVersionRule reloads an agent when a newer descriptor than the
// loaded instance has been discovered.
type NewerVersionRule struct{}

func (NewerVersionRule) Name() string  { return "newer_version" }
func (NewerVersionRule) Priority() int { return 20 }

func (NewerVersionRule) Match(_ context.Context, c *Composer, agentID string, _ *shared.Context) bool {
	current, ok := c.LoadedVersion(agentID)
	if !ok {
		return false
	}
	d, ok := c.Descriptor(agentID)
	return ok && CompareVersions(d.Version, current) > 0
}

func (r NewerVersionRule) Apply(_ context.Context, c *Composer, agentID string, sc *shared.Context) (RuleEffect, error) {
	prev, _ := c.LoadedVersion(agentID)
	if _, err := c.ReloadAgent(agentID); err != nil {
		return RuleEffect{}, err
	}
	now, _ := c.LoadedVersion(agentID)
	detail := fmt.Sprintf("%s -> %s", prev, now)
	if sc != nil {
		sc.AddTrace(agentID, "reload", detail)
	}
	return RuleEffect{Rule: r.Name(), Agent: agentID, Action: "reload", Detail: detail}, nil
}

// RecentFailureRule hot swaps an agent that failed within the window to its
// best alternative. It needs a composer built WithFailureHistory.
type RecentFailureRule struct {
	Within time.Duration
}

func (RecentFailureRule) Name() string  { return "recent_failure" }
func (RecentFailureRule) Priority() int { return 10 }

func (r RecentFailureRule) within() time.Duration {
	if r.Within <= 0 {
		return 5 * time.Minute
	}
	return r.Within
}

func (r RecentFailureRule) Match(_ context.Context, c *Composer, agentID string, _ *shared.Context) bool {
	if c.failures == nil || !c.failures.FailedRecently(agentID, r.within()) {
		return false
	}
	return len(c.Alternatives(agentID)) > 0
}

func (r RecentFailureRule) Apply(ctx context.Context, c *Composer, agentID string, sc *shared.Context) (RuleEffect, error) {
	alts := c.Alternatives(agentID)
	if len(alts) == 0 {
		return RuleEffect{}, fmt.Errorf("rule %s: no alternative for %s", r.Name(), agentID)
	}
	ev, err := c.swap(ctx, agentID, alts[0].ID, sc, r.Name())
	if err != nil {
		return RuleEffect{}, err
	}
	return RuleEffect{Rule: r.Name(), Agent: agentID, Action: "hot_swap", Detail: "to " + ev.NewID}, nil
}

// sortedRules returns rules ordered by priority, then name.
func sortedRules(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// ApplyRules evaluates the installed rules against every graph node and
// returns the effects of the rules that were applied. A failing rule stops
// evaluation.
func (c *Composer) ApplyRules(ctx context.Context, sc *shared.Context) ([]RuleEffect, error) {
	if c.g == nil || len(c.rules) == 0 {
		return nil, nil
	}
	rules := sortedRules(c.rules)
	var effects []RuleEffect
	for _, id := range c.g.IDs() {
		if err := ctx.Err(); err != nil {
			return effects, err
		}
		// An earlier swap may have replaced this node.
		if !c.g.Has(id) {
			continue
		}
		for _, rule := range rules {
			if !rule.Match(ctx, c, id, sc) {
				continue
			}
			eff, err := rule.Apply(ctx, c, id, sc)
			if err != nil {
				return effects, fmt.Errorf("apply rule %s to %s: %w", rule.Name(), id, err)
			}
			eff.At = c.now()
			effects = append(effects, eff)
			c.logger.Info("composition rule applied", "rule", rule.Name(), "agent", id, "action", eff.Action)
			break
		}
	}
	return effects, nil
}
