package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/enact/internal/activity"
)

func TestProcessPath_PushPop(t *testing.T) {
	base := ProcessPath("facade0:wf")
	child := base.Push("blast")

	assert.Equal(t, ProcessPath("facade0:wf:blast"), child)
	assert.Equal(t, ProcessPath("facade0:wf"), base, "push must not mutate the receiver")
	assert.Equal(t, base, child.Pop())
	assert.Equal(t, ProcessPath(""), ProcessPath("facade0").Pop())
	assert.Equal(t, ProcessPath("facade0"), ProcessPath("").Push("facade0"))
	assert.Equal(t, []string{"facade0", "wf", "blast"}, child.Segments())
	assert.Nil(t, ProcessPath("").Segments())
}

func TestProcessPath_Within(t *testing.T) {
	p := ProcessPath("facade0:wf:blast")
	assert.True(t, p.Within("facade0:wf"))
	assert.True(t, p.Within(p))
	assert.False(t, p.Within("facade0:w"))
	assert.False(t, ProcessPath("facade0:wf").Within(p))
}

func TestIndex(t *testing.T) {
	base := Index{2, 1}
	full := base.Concat(Index{0})

	assert.Equal(t, "[2,1,0]", full.String())
	assert.Equal(t, "[]", Index(nil).String())
	assert.Equal(t, Index{2, 1}, base, "concat must not mutate the receiver")

	parent := full.Parent()
	assert.Equal(t, Index{2, 1}, parent)
	parent[0] = 9
	assert.Equal(t, Index{2, 1, 0}, full, "parent must be a copy")
	assert.Nil(t, Index(nil).Parent())
	assert.Equal(t, "[]", Index{4}.Parent().String())
}

func TestJob_WithActivities(t *testing.T) {
	a := newScripted("a", nil, nil)
	b := newScripted("b", nil, nil)
	job := newJob("wf:p", Index{1}, nil, a, b)

	only := job.WithActivities(job.Activities[1])
	assert.Len(t, job.Activities, 2)
	assert.Equal(t, [][]string{{"b"}}, activityNames([]*Job{only}))
	assert.Equal(t, job.Index, only.Index)
	assert.Equal(t, "job(wf:p[1])", only.String())
}

func TestFailure_Error(t *testing.T) {
	cause := errors.New("socket closed")
	f := &Failure{
		Process:  "wf:blast",
		Index:    Index{3},
		Message:  "service unreachable",
		Cause:    cause,
		Class:    activity.ClassInvocation,
		Activity: activity.NewCandidate(newScripted("ncbi", nil, nil)),
	}

	assert.Equal(t, "invocation failure at wf:blast[3] in ncbi: service unreachable: socket closed", f.Error())
	assert.ErrorIs(t, f, cause)

	bare := &Failure{Process: "wf", Message: "x", Class: activity.ClassData}
	assert.Equal(t, "data failure at wf[]: x", bare.Error())
}
