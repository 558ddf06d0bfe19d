package agent

import (
	"context"

	"github.com/birkandenizer/gstwebrtcapp/internal/mdp"
)

// Policy maps an observation to a normalized action.
type Policy interface {
	Act(ctx context.Context, obs mdp.Observation) (mdp.Action, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, obs mdp.Observation) (mdp.Action, error)

func (f PolicyFunc) Act(ctx context.Context, obs mdp.Observation) (mdp.Action, error) {
	return f(ctx, obs)
}

// ConstantPolicy always returns the same action.
type ConstantPolicy mdp.Action

func (p ConstantPolicy) Act(context.Context, mdp.Observation) (mdp.Action, error) {
	out := make(mdp.Action, len(p))
	copy(out, p)
	return out, nil
}
