package validation

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rendis/enact/internal/expressions"
	"github.com/rendis/enact/pkg/schema"
)

// highRetryCount is the max_retries above which a warning is issued.
const highRetryCount = 10

// retryPredicateEnv mirrors the variables a retry_if predicate sees.
var retryPredicateEnv = map[string]any{
	"class":    "",
	"message":  "",
	"activity": "",
	"retries":  0,
}

// semanticChecker holds the engines used to compile embedded expressions.
type semanticChecker struct {
	activities ActivityLookup
	exprs      *expressions.ExprEngine
	jq         *expressions.GoJQEngine
}

// validateSemantic checks what the JSON Schema cannot express: unique
// processor names, registered activities, layer ordering and compilable
// expressions.
func (c *semanticChecker) validateSemantic(def *schema.StackDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.RunID != nil && def.RunID.Query != "" {
		if err := c.jq.Check(def.RunID.Query); err != nil {
			result.AddError("run_id.query", schema.ErrCodeValidation,
				fmt.Sprintf("invalid jq query: %v", err))
		}
	}

	seen := make(map[string]int, len(def.Processors))
	for i := range def.Processors {
		p := &def.Processors[i]
		issues := result.Processor(i, p.Name)

		if first, dup := seen[p.Name]; dup {
			issues.Error("name", schema.ErrCodeConflict,
				fmt.Sprintf("duplicate processor %q (first at processors[%d])", p.Name, first))
		} else {
			seen[p.Name] = i
		}

		c.validateActivities(p, issues)
		c.validateLayers(p, issues)
	}
	return result
}

func (c *semanticChecker) validateActivities(p *schema.ProcessorDefinition, issues *schema.ProcessorIssues) {
	if len(p.Activities) == 0 {
		issues.Warning("activities", schema.ErrCodeValidation,
			"no activities listed; jobs must carry their own candidates")
		return
	}
	if c.activities == nil {
		return
	}
	for j, name := range p.Activities {
		if !c.activities.Has(name) {
			issues.Error(fmt.Sprintf("activities[%d]", j), schema.ErrCodeNotFound,
				fmt.Sprintf("activity %q not registered", name))
		}
	}
}

func (c *semanticChecker) validateLayers(p *schema.ProcessorDefinition, issues *schema.ProcessorIssues) {
	if len(p.Layers) == 0 {
		return
	}

	positions := make(map[string]int, len(p.Layers))
	for j, l := range p.Layers {
		lpath := fmt.Sprintf("layers[%d]", j)
		if !knownLayer(l.Type) {
			issues.Error(lpath+".type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown layer type %q", l.Type))
			continue
		}
		if first, dup := positions[l.Type]; dup {
			issues.Error(lpath+".type", schema.ErrCodeConflict,
				fmt.Sprintf("layer %q already present at layers[%d]", l.Type, first))
			continue
		}
		positions[l.Type] = j

		if l.Type == schema.LayerTypeRetry {
			c.validateRetry(l.Config, lpath+".config", issues)
		}
	}

	invoke, hasInvoke := positions[schema.LayerTypeInvoke]
	switch {
	case !hasInvoke:
		issues.Warning("layers", schema.ErrCodeValidation,
			"no invoke layer; jobs reaching the bottom of the stack fail")
	case invoke != len(p.Layers)-1:
		issues.Error(fmt.Sprintf("layers[%d]", invoke), schema.ErrCodeValidation,
			"invoke must be the bottom layer")
	}

	stop, hasStop := positions[schema.LayerTypeStop]
	retry, hasRetry := positions[schema.LayerTypeRetry]
	if hasStop && hasRetry && stop < retry {
		issues.Warning(fmt.Sprintf("layers[%d]", stop), schema.ErrCodeValidation,
			"stop above retry; retries scheduled before a pause are not held")
	}
}

func (c *semanticChecker) validateRetry(cfg map[string]any, path string, issues *schema.ProcessorIssues) {
	if n, ok := intValue(cfg["max_retries"]); ok && n > highRetryCount {
		issues.Warning(path+".max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", n))
	}

	initial, okInitial := intValue(cfg["initial_delay_ms"])
	limit, okLimit := intValue(cfg["max_delay_ms"])
	if okInitial && okLimit && initial > limit {
		issues.Warning(path+".initial_delay_ms", schema.ErrCodeValidation,
			fmt.Sprintf("initial delay (%dms) exceeds max delay (%dms); every delay is capped", initial, limit))
	}

	if expr, ok := cfg["retry_if"].(string); ok && expr != "" {
		if err := c.exprs.Check(expr, retryPredicateEnv); err != nil {
			issues.Error(path+".retry_if", schema.ErrCodeExpression,
				fmt.Sprintf("invalid retry predicate: %v", err))
		}
	}
}

// intValue reads an integer from a decoded YAML or JSON value.
func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// knownLayer reports whether t names a layer type.
func knownLayer(t string) bool {
	return slices.Contains(schema.LayerTypes, t)
}
