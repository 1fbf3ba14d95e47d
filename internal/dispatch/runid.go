package dispatch

import (
	"context"
	"fmt"

	"github.com/rendis/enact/internal/expressions"
	"github.com/rendis/enact/internal/reference"
)

// DefaultRunIDKey is the reference context property holding the run id.
const DefaultRunIDKey = "run_id"

// RunIDLookup finds the workflow run a job belongs to. ok is false when the
// reference context carries no run id.
type RunIDLookup interface {
	RunID(rc *reference.Context) (runID string, ok bool)
}

// PropertyRunID reads the run id from a single reference context property.
type PropertyRunID string

func (k PropertyRunID) RunID(rc *reference.Context) (string, bool) {
	v, ok := rc.Get(string(k))
	if !ok {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case fmt.Stringer:
		s := id.String()
		return s, s != ""
	default:
		return "", false
	}
}

// JQRunID extracts the run id with a jq query over the reference context
// properties, e.g. `.run.id` or `.labels["run"]`. The first non-empty string
// output wins.
type JQRunID struct {
	query  string
	engine *expressions.GoJQEngine
}

// NewJQRunID compiles query.
func NewJQRunID(query string) (*JQRunID, error) {
	engine := expressions.NewGoJQEngine()
	if err := engine.Check(query); err != nil {
		return nil, err
	}
	return &JQRunID{query: query, engine: engine}, nil
}

func (j *JQRunID) RunID(rc *reference.Context) (string, bool) {
	if rc == nil || len(rc.Properties) == 0 {
		return "", false
	}
	out, err := j.engine.EvaluateAll(context.Background(), j.query, rc.Properties)
	if err != nil {
		return "", false
	}
	for _, v := range out {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

var (
	_ RunIDLookup = PropertyRunID("")
	_ RunIDLookup = (*JQRunID)(nil)
)
