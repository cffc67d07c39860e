// Package gateway decides which outgoing flows fire for a branching node.
package gateway

import (
	"fmt"

	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/expr"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/model"
)

// NoMatchError means no outgoing flow fired; the instance fails.
type NoMatchError struct {
	GatewayID string
	Kind      string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("%s %q: no outgoing flow matched", e.Kind, e.GatewayID)
}

// Evaluator applies gateway semantics over the live variable scope.
type Evaluator struct {
	expr   *expr.Evaluator
	broker *events.Broker
	log    *logger.Logger
}

// New creates a gateway evaluator.
func New(e *expr.Evaluator, broker *events.Broker, log *logger.Logger) *Evaluator {
	return &Evaluator{expr: e, broker: broker, log: log}
}

// Evaluate returns the ordered outgoing flows that fire for the gateway.
func (ev *Evaluator) Evaluate(g *model.Graph, el *model.Element, scope map[string]any) ([]*model.Connection, error) {
	outgoing := g.Outgoing(el.ID)

	conditions := make([]map[string]any, 0, len(outgoing))
	for _, c := range outgoing {
		conditions = append(conditions, map[string]any{
			"to":        c.To,
			"name":      c.Name,
			"condition": c.Condition(),
		})
	}
	ev.broker.GatewayEvaluating(el.ID, conditions)

	switch el.Type {
	case model.KindExclusiveGateway:
		return ev.exclusive(el, outgoing, scope)
	case model.KindParallelGateway:
		return ev.parallel(el, outgoing)
	case model.KindInclusiveGateway:
		return ev.inclusive(el, outgoing, scope)
	default:
		return nil, fmt.Errorf("element %q is not a gateway (type %s)", el.ID, el.Type)
	}
}

// exclusive fires the first flow whose condition holds, falling back to the
// unconditional default.
func (ev *Evaluator) exclusive(el *model.Element, outgoing []*model.Connection, scope map[string]any) ([]*model.Connection, error) {
	var defaultFlow *model.Connection

	for _, c := range outgoing {
		cond := c.Condition()
		if cond == "" {
			if defaultFlow == nil {
				defaultFlow = c
			}
			continue
		}
		ok, err := ev.expr.EvaluateCondition(cond, scope)
		if err != nil {
			ev.log.Warn("condition evaluation failed", "gateway_id", el.ID, "condition", cond, "error", err)
			continue
		}
		if ok {
			ev.broker.GatewayPathTaken(el.ID, c.Name, cond)
			return []*model.Connection{c}, nil
		}
	}

	if defaultFlow != nil {
		ev.broker.GatewayPathTaken(el.ID, defaultFlow.Name, "default")
		return []*model.Connection{defaultFlow}, nil
	}
	return nil, &NoMatchError{GatewayID: el.ID, Kind: el.Type}
}

// parallel fires every outgoing flow unconditionally.
func (ev *Evaluator) parallel(el *model.Element, outgoing []*model.Connection) ([]*model.Connection, error) {
	for _, c := range outgoing {
		ev.broker.GatewayPathTaken(el.ID, c.Name, "parallel")
	}
	return outgoing, nil
}

// inclusive fires every flow whose condition holds plus every unconditional
// flow.
func (ev *Evaluator) inclusive(el *model.Element, outgoing []*model.Connection, scope map[string]any) ([]*model.Connection, error) {
	var fired []*model.Connection

	for _, c := range outgoing {
		cond := c.Condition()
		if cond == "" {
			ev.broker.GatewayPathTaken(el.ID, c.Name, "unconditional")
			fired = append(fired, c)
			continue
		}
		ok, err := ev.expr.EvaluateCondition(cond, scope)
		if err != nil {
			ev.log.Warn("condition evaluation failed", "gateway_id", el.ID, "condition", cond, "error", err)
			continue
		}
		if ok {
			ev.broker.GatewayPathTaken(el.ID, c.Name, cond)
			fired = append(fired, c)
		}
	}

	if len(fired) == 0 {
		return nil, &NoMatchError{GatewayID: el.ID, Kind: el.Type}
	}
	return fired, nil
}
