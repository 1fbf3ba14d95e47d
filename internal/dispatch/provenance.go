package dispatch

import (
	"log/slog"
	"sync"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/internal/reference"
	"github.com/rendis/enact/pkg/schema"
)

// ProvenanceConfig configures a Provenance layer.
type ProvenanceConfig struct {
	// WorkflowID is the parent of the process nodes this layer creates.
	WorkflowID string `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
}

// Provenance records the iteration graph of a processor without altering
// the flow of events: every event is forwarded unchanged after the nodes
// describing it are handed to the runtime's provenance sink.
type Provenance struct {
	Base
	mu     sync.RWMutex
	config ProvenanceConfig

	nodesMu    sync.Mutex
	processes  map[ProcessPath]*provenance.Node
	processors map[ProcessPath]*provenance.Node
	activities map[string]*provenance.Node
	iterations map[stateKey]*provenance.Node
}

// NewProvenance creates a Provenance layer.
func NewProvenance() *Provenance {
	return &Provenance{
		processes:  make(map[ProcessPath]*provenance.Node),
		processors: make(map[ProcessPath]*provenance.Node),
		activities: make(map[string]*provenance.Node),
		iterations: make(map[stateKey]*provenance.Node),
	}
}

func (p *Provenance) Name() string { return LayerProvenance }

func (p *Provenance) Configure(cfg ProvenanceConfig) error {
	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()
	return nil
}

func (p *Provenance) Configuration() ProvenanceConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

func (p *Provenance) ReceiveJob(job *Job) {
	var invocable *activity.Candidate
	n := 0
	for _, c := range job.Activities {
		if _, ok := c.Async(); ok {
			invocable = c
			n++
		}
	}

	var emit []*provenance.Node
	p.nodesMu.Lock()
	processor, created := p.processorNode(job.Process)
	emit = append(emit, created...)

	key := keyOf(job.Process, job.Index)
	if _, ok := p.iterations[key]; !ok {
		iter := provenance.NewNode(provenance.KindIteration, processor.ID, string(job.Process))
		iter.Processor = p.Stack().Processor()
		iter.Index = job.Index
		if n == 1 {
			act := p.activityNode(processor, invocable, &emit)
			iter.ActivityID = act.ID
		}
		input := provenance.NewNode(provenance.KindInputData, iter.ID, string(job.Process))
		input.Index = job.Index
		input.Data = handleStrings(job.Data)
		iter.InputDataID = input.ID
		if parent, ok := p.iterations[keyOf(job.Process, job.Index.Parent())]; ok && len(job.Index) > 0 {
			iter.ParentIterationID = parent.ID
		}
		p.iterations[key] = iter
		emit = append(emit, iter, input)
	}
	p.nodesMu.Unlock()

	p.add(emit...)
	p.Below().ReceiveJob(job)
}

func (p *Provenance) ReceiveResult(result *Result) {
	iter, created, err := p.iteration(result.Process, result.Index)
	if err != nil {
		p.fault(err, result.Process, result.Index, result.Context)
		return
	}
	out := provenance.NewNode(provenance.KindOutputData, iter.ID, string(result.Process))
	out.Index = result.Index
	out.Data = handleStrings(result.Data)
	p.add(append(created, out)...)
	p.Above().ReceiveResult(result)
}

func (p *Provenance) ReceiveFailure(failure *Failure) {
	iter, created, err := p.iteration(failure.Process, failure.Index)
	if err != nil {
		p.fault(err, failure.Process, failure.Index, failure.Context)
		return
	}
	node := provenance.NewNode(provenance.KindError, iter.ID, string(failure.Process))
	node.Index = failure.Index
	node.Message = failure.Message
	node.Class = string(failure.Class)
	node.Activity = candidateName(failure.Activity)
	if failure.Cause != nil {
		node.Cause = failure.Cause.Error()
	}
	p.add(append(created, node)...)
	p.Above().ReceiveFailure(failure)
}

// FinishedWith forgets the lookup index for owner. Nodes already emitted
// are untouched.
func (p *Provenance) FinishedWith(owner ProcessPath) {
	p.nodesMu.Lock()
	defer p.nodesMu.Unlock()
	for k := range p.iterations {
		if k.process.Within(owner) {
			delete(p.iterations, k)
		}
	}
	for proc, node := range p.processors {
		if proc.Within(owner) {
			delete(p.processors, proc)
			for k, act := range p.activities {
				if act.ParentID == node.ID {
					delete(p.activities, k)
				}
			}
		}
	}
	for proc := range p.processes {
		if proc.Within(owner) {
			delete(p.processes, proc)
		}
	}
}

// Iterations returns the number of indexed iteration nodes.
func (p *Provenance) Iterations() int {
	p.nodesMu.Lock()
	defer p.nodesMu.Unlock()
	return len(p.iterations)
}

// iteration resolves the iteration node for (process, index). When no node
// exists the index is shortened from the end until an ancestor is found; a
// new node is then created under the ancestor, indexed by the full key and
// returned in created so the caller emits it.
func (p *Provenance) iteration(process ProcessPath, index Index) (*provenance.Node, []*provenance.Node, error) {
	key := keyOf(process, index)

	p.nodesMu.Lock()
	defer p.nodesMu.Unlock()

	if iter, ok := p.iterations[key]; ok {
		return iter, nil, nil
	}

	up := index
	for len(up) > 0 {
		up = up.Parent()
		ancestor, ok := p.iterations[keyOf(process, up)]
		if !ok {
			continue
		}
		iter := provenance.NewNode(provenance.KindIteration, ancestor.ID, string(process))
		iter.Processor = ancestor.Processor
		iter.Index = index
		iter.ParentIterationID = ancestor.ID
		iter.InputDataID = ancestor.InputDataID
		iter.ActivityID = ancestor.ActivityID
		p.iterations[key] = iter
		return iter, []*provenance.Node{iter}, nil
	}

	return nil, nil, schema.NewErrorf(schema.ErrCodeInternal,
		"no iteration node for %s%s or any ancestor index", process, index).
		WithProcess(string(process))
}

func (p *Provenance) processorNode(process ProcessPath) (*provenance.Node, []*provenance.Node) {
	if n, ok := p.processors[process]; ok {
		return n, nil
	}
	var created []*provenance.Node
	owner := process.Pop()
	proc, ok := p.processes[owner]
	if !ok {
		proc = provenance.NewNode(provenance.KindProcess, p.Configuration().WorkflowID, string(owner))
		p.processes[owner] = proc
		created = append(created, proc)
	}
	n := provenance.NewNode(provenance.KindProcessor, proc.ID, string(process))
	n.Processor = p.Stack().Processor()
	p.processors[process] = n
	return n, append(created, n)
}

func (p *Provenance) activityNode(processor *provenance.Node, c *activity.Candidate, emit *[]*provenance.Node) *provenance.Node {
	key := processor.ID + "/" + c.Name()
	if n, ok := p.activities[key]; ok {
		return n
	}
	n := provenance.NewNode(provenance.KindActivity, processor.ID, processor.Process)
	n.Activity = c.Name()
	p.activities[key] = n
	*emit = append(*emit, n)
	return n
}

// add hands nodes to the sink. Sink errors are logged and never stop the
// pipeline.
func (p *Provenance) add(nodes ...*provenance.Node) {
	sink := p.Runtime().Provenance
	for _, n := range nodes {
		if err := sink.AddProvenanceItem(p.ctx(), n); err != nil {
			p.Runtime().Metrics.provenanceFault()
			p.logger().Warn("provenance sink rejected node",
				slog.String("node_id", n.ID),
				slog.String("kind", string(n.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fault reports a corrupted iteration index: it is logged at error level
// and replaces the offending event with a dataflow failure.
func (p *Provenance) fault(err error, process ProcessPath, index Index, rc *reference.Context) {
	p.Runtime().Metrics.provenanceFault()
	p.logger().Error("provenance iteration lookup failed",
		slog.String("process", string(process)),
		slog.String("index", index.String()),
		slog.String("error", err.Error()),
	)
	p.Above().ReceiveFailure(&Failure{
		Process: process,
		Index:   index,
		Context: rc,
		Message: "provenance iteration index is inconsistent",
		Cause:   err,
		Class:   activity.ClassDataflow,
	})
}

func handleStrings(data map[string]reference.Handle) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = string(v)
	}
	return out
}

var _ Layer = (*Provenance)(nil)
