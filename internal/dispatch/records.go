// Package dispatch implements the per-processor dispatch stack: an ordered
// chain of layers that turns a Job into results while coping with streaming
// output, transient failure, alternative activities and run-wide pause and
// cancel.
package dispatch

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/reference"
)

// PathSeparator joins the segments of a ProcessPath.
const PathSeparator = ":"

// ProcessPath identifies a nested invocation, e.g. "facade0:wf:blast:invocation3".
type ProcessPath string

// Push returns p with segment appended.
func (p ProcessPath) Push(segment string) ProcessPath {
	if p == "" {
		return ProcessPath(segment)
	}
	return p + PathSeparator + ProcessPath(segment)
}

// Pop returns p without its last segment.
func (p ProcessPath) Pop() ProcessPath {
	i := strings.LastIndex(string(p), PathSeparator)
	if i < 0 {
		return ""
	}
	return p[:i]
}

// Segments splits p into its segments.
func (p ProcessPath) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), PathSeparator)
}

// Within reports whether p equals owner or is nested below it.
func (p ProcessPath) Within(owner ProcessPath) bool {
	return p == owner || strings.HasPrefix(string(p), string(owner)+PathSeparator)
}

// Index is a coordinate within nested iteration structure. The empty index
// is the top-level, non-streamed position.
type Index []int

// String renders the index as "[2,1,0]". It is the map key form.
func (i Index) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for n, v := range i {
		if n > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	b.WriteByte(']')
	return b.String()
}

// Concat returns a new index holding i followed by suffix.
func (i Index) Concat(suffix Index) Index {
	out := make(Index, 0, len(i)+len(suffix))
	out = append(out, i...)
	return append(out, suffix...)
}

// Parent returns a copy of i without its last element.
func (i Index) Parent() Index {
	if len(i) == 0 {
		return nil
	}
	return slices.Clone(i[:len(i)-1])
}

// Job asks the stack to invoke one of Activities with Data at Index.
// A Job is never mutated once built; use the With helpers.
type Job struct {
	Process    ProcessPath
	Index      Index
	Context    *reference.Context
	Data       map[string]reference.Handle
	Activities []*activity.Candidate
}

// WithActivities returns a copy of j carrying only the given candidates.
func (j *Job) WithActivities(candidates ...*activity.Candidate) *Job {
	cp := *j
	cp.Activities = candidates
	return &cp
}

func (j *Job) String() string {
	return fmt.Sprintf("job(%s%s)", j.Process, j.Index)
}

// Result carries output data at an absolute index. Streaming is set when
// the result is one element of a streamed output rather than the complete
// result set.
type Result struct {
	Process   ProcessPath
	Index     Index
	Context   *reference.Context
	Data      map[string]reference.Handle
	Streaming bool
}

// Completion signals that no further results will arrive under Index.
type Completion struct {
	Process ProcessPath
	Index   Index
	Context *reference.Context
}

// Failure reports that the Job at (Process, Index) failed.
type Failure struct {
	Process  ProcessPath
	Index    Index
	Context  *reference.Context
	Message  string
	Cause    error
	Class    activity.Classification
	Activity *activity.Candidate
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failure at %s%s", f.Class, f.Process, f.Index)
	if f.Activity != nil {
		fmt.Fprintf(&b, " in %s", f.Activity.Name())
	}
	b.WriteString(": ")
	b.WriteString(f.Message)
	if f.Cause != nil && f.Cause.Error() != f.Message {
		b.WriteString(": ")
		b.WriteString(f.Cause.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Cause }

// JobQueue is the bulk form of Job: every job shares Process and Context.
type JobQueue struct {
	Process ProcessPath
	Context *reference.Context
	Jobs    []*Job
}

// stateKey identifies the per-Job state held by Failover and Retry.
type stateKey struct {
	process ProcessPath
	index   string
}

func keyOf(p ProcessPath, i Index) stateKey {
	return stateKey{process: p, index: i.String()}
}
