package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/engine/executor"
	"github.com/lyzr/flowengine/common/model"
)

// multiInstanceSpec normalizes the two accepted property shapes: a nested
// "multiInstance" object or flat properties on the element.
type multiInstanceSpec struct {
	inputCollection  string
	inputElement     string
	outputElement    string
	outputCollection string
	sequential       bool
}

func isMultiInstance(el *model.Element) bool {
	if mi := el.MapProp("multiInstance"); mi != nil {
		return true
	}
	return el.StringProp("inputCollection") != ""
}

func multiInstanceSpecOf(el *model.Element) multiInstanceSpec {
	str := func(key string) string {
		if mi := el.MapProp("multiInstance"); mi != nil {
			if s, ok := mi[key].(string); ok {
				return s
			}
		}
		return el.StringProp(key)
	}
	boolean := func(key string) bool {
		if mi := el.MapProp("multiInstance"); mi != nil {
			if b, ok := mi[key].(bool); ok {
				return b
			}
		}
		return el.BoolProp(key)
	}

	spec := multiInstanceSpec{
		inputCollection:  str("inputCollection"),
		inputElement:     str("inputElement"),
		outputElement:    str("outputElement"),
		outputCollection: str("outputCollection"),
		sequential:       boolean("isSequential"),
	}
	if spec.inputElement == "" {
		spec.inputElement = "item"
	}
	return spec
}

// runMultiInstance runs the task once per collection item, each iteration in
// an isolated scope clone. Sequential mode preserves collection order;
// parallel mode runs all iterations concurrently.
func (e *Engine) runMultiInstance(ctx context.Context, inst *Instance, g *model.Graph, el *model.Element, scope *executor.Scope, pathID string) (bool, error) {
	spec := multiInstanceSpecOf(el)

	raw, ok := scope.Get(spec.inputCollection)
	if !ok {
		return false, fmt.Errorf("multi-instance task %q: collection %q not in scope", el.ID, spec.inputCollection)
	}
	items := toList(raw)
	if len(items) == 0 {
		e.log.Info("multi-instance collection empty, skipping task", "task_id", el.ID)
		return true, nil
	}

	outputs := make([]any, len(items))

	runOne := func(runCtx context.Context, i int, handleKey string) (bool, error) {
		iter := scope.Clone()
		iter.Set(spec.inputElement, items[i])
		iter.Set("loopCounter", i+1)

		follow, err := e.runWithBoundaries(runCtx, inst, g, el, iter, uuid.NewString(), handleKey)
		if err != nil || !follow {
			return follow, err
		}

		outKey := spec.outputElement
		if outKey == "" {
			outKey = el.ID + "_result"
		}
		if v, ok := iter.Get(outKey); ok {
			outputs[i] = v
		}
		return true, nil
	}

	if spec.sequential {
		for i := range items {
			follow, err := runOne(ctx, i, el.ID)
			if err != nil || !follow {
				return follow, err
			}
		}
	} else {
		var wg sync.WaitGroup
		errCh := make(chan error, len(items))
		interrupted := false
		var mu sync.Mutex

		for i := range items {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				follow, err := runOne(ctx, i, fmt.Sprintf("%s#%d", el.ID, i))
				if err != nil {
					errCh <- err
					return
				}
				if !follow {
					mu.Lock()
					interrupted = true
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		close(errCh)

		if err := <-errCh; err != nil {
			return false, err
		}
		if interrupted {
			return false, nil
		}
	}

	if spec.outputCollection != "" {
		scope.Set(spec.outputCollection, outputs)
	}
	scope.Set(el.ID+"_instances", len(items))
	return true, nil
}

func toList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}
