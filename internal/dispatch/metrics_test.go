package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/reference"
)

func TestMetrics_FailureCountedOnceWhenLeavingStack(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	rt, _ := newTestRuntime(t, WithMetrics(m))
	sink := &recordingSink{}

	layers, err := DefaultLayers(DefaultRetryConfig())
	require.NoError(t, err)
	s := newTestStack(t, rt, sink, layers...)

	down := func(name string) activity.Activity {
		return activity.NewFunc(name, nil, nil,
			func(context.Context, map[string]reference.Handle, *activity.Invocation) (map[string]reference.Handle, error) {
				return nil, errors.New(name + " down")
			})
	}
	s.ReceiveJob(newJob("wf:p", nil, nil, down("a"), down("b")))

	eventually(t, func() bool { return len(sink.Failures()) == 1 }, "failure leaves the stack")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(string(activity.ClassInvocation))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failovers.WithLabelValues("blast")))
}

func TestMetrics_TerminusFailureCounted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	rt, _ := newTestRuntime(t, WithMetrics(m))
	sink := &recordingSink{}
	s := newTestStack(t, rt, sink)

	s.ReceiveJob(newJob("wf:p", nil, nil))

	require.Len(t, sink.Failures(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(string(activity.ClassDataflow))))
}
