package workflow

import (
	"fmt"
	"log/slog"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/types"
)

// exclusiveGateway takes exactly one outgoing transition.
type exclusiveGateway struct{ BaseActivityType }

// Execute takes the first conditional transition that holds, in declaration
// order, otherwise the default, otherwise the only or first unconditional
// transition. With none of those the gateway ends and notifies its parent.
func (exclusiveGateway) Execute(x *Execution, ai *instance.ActivityInstance) error {
	def := x.Activity(ai)
	outgoing := def.Outgoing()
	defaultTransition := def.Default()

	var chosen *types.TransitionDefinition
	for _, t := range outgoing {
		if t == defaultTransition || t.Condition == "" {
			continue
		}
		ok, err := x.Evaluate(ai, t.Condition)
		if err != nil {
			return fmt.Errorf("transition %s -> %s: %w", t.FromID, t.ToID, err)
		}
		if ok {
			chosen = t
			break
		}
	}
	if chosen == nil {
		chosen = defaultTransition
	}
	if chosen == nil && len(outgoing) == 1 {
		chosen = outgoing[0]
	}
	if chosen == nil {
		for _, t := range outgoing {
			if t.Condition == "" {
				chosen = t
				break
			}
		}
	}

	if err := x.endActivity(ai); err != nil {
		return err
	}
	if chosen == nil {
		x.activityLogger(ai).Warn("exclusive gateway found no transition to take")
		x.notifyParent(ai)
		return nil
	}
	return x.TakeTransition(ai, chosen)
}

// parallelGateway forks on every outgoing transition and joins its incoming
// transitions.
type parallelGateway struct{ BaseActivityType }

// Execute ends the arriving instance and fires once every incoming transition
// has arrived, or once nothing else in the scope could still arrive. Earlier
// arrivals stay ended in the Joining state until then.
func (parallelGateway) Execute(x *Execution, ai *instance.ActivityInstance) error {
	if err := x.endActivity(ai); err != nil {
		return err
	}
	def := x.Activity(ai)
	if len(def.Outgoing()) == 0 {
		x.notifyParent(ai)
		return nil
	}

	var joining []*instance.ActivityInstance
	for _, sibling := range x.wi.Children(ai.ParentID) {
		if sibling.ID != ai.ID && sibling.ActivityID == ai.ActivityID && sibling.WorkState == instance.Joining {
			joining = append(joining, sibling)
		}
	}

	incoming := len(def.Incoming())
	if len(joining) == incoming-1 || !x.wi.HasOpenChildren(ai.ParentID) {
		for _, sibling := range joining {
			sibling.WorkState = instance.WorkStateNone
		}
		x.activityLogger(ai).Debug("parallel gateway fired", slog.Int("arrived", len(joining)+1), slog.Int("incoming", incoming))
		return x.Onwards(ai)
	}

	ai.WorkState = instance.Joining
	x.publish(events.ActivityJoining, ai, map[string]interface{}{
		"arrived":  len(joining) + 1,
		"incoming": incoming,
	})
	return nil
}

// startMultiInstance fans a container out over its collection. An empty
// collection continues at once; otherwise the container waits for its children.
func (x *Execution) startMultiInstance(container *instance.ActivityInstance, def *types.ActivityDefinition) error {
	items, err := x.engine.resolver.ResolveCollection(def.MultiInstance.Collection, x.wi.ScopeRef(container.ID))
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return x.Onwards(container)
	}
	async, err := x.isAsync(def)
	if err != nil {
		return err
	}
	for _, item := range items {
		if _, err := x.wi.CreateMultiInstanceChild(container.ID, def, item, async, x.Now()); err != nil {
			return err
		}
	}
	x.activityLogger(container).Debug("multi-instance started", slog.Int("children", len(items)))
	return nil
}
