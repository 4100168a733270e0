package monitoring

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epoque/errors"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.CommandProcessed("CreateProject", nil, 10*time.Millisecond)
	m.EventsWritten("project", 2)
	m.WriteConflict("project")
	m.SummaryCacheLookup("ProjectSummary", true)
	m.SummaryReplayed("ProjectSummary", 3)
	m.StoreOperation("write_events", nil, time.Millisecond)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"epoque_commands_total",
		"epoque_command_duration_seconds",
		"epoque_events_written_total",
		"epoque_write_conflicts_total",
		"epoque_summary_cache_total",
		"epoque_summary_replayed_events_total",
		"epoque_store_operation_duration_seconds",
	} {
		assert.True(t, names[name], name)
	}
}

func TestMetrics_Values(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.CommandProcessed("CreateProject", nil, time.Millisecond)
	m.CommandProcessed("CreateProject", errors.CommandRejected("Project already exists", nil), time.Millisecond)
	m.CommandProcessed("CreateProject", errors.CommandRejected("again", nil), time.Millisecond)
	m.EventsWritten("project", 3)
	m.EventsWritten("project", 0)
	m.SummaryCacheLookup("ProjectSummary", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("CreateProject", OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("CreateProject", OutcomeRejected)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.eventsWritten.WithLabelValues("project")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.summaryCache.WithLabelValues("ProjectSummary", "miss")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CommandProcessed("x", nil, 0)
		m.EventsWritten("g", 1)
		m.WriteConflict("g")
		m.SummaryCacheLookup("s", true)
		m.SummaryReplayed("s", 1)
	})
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeOK, Outcome(nil))
	assert.Equal(t, OutcomeRejected, Outcome(errors.CommandRejected("no", nil)))
	assert.Equal(t, OutcomeConflict, Outcome(errors.EventWriteConflict("g/1", 1, nil)))
	assert.Equal(t, OutcomeTimeout, Outcome(errors.Timeout(context.DeadlineExceeded)))
	assert.Equal(t, OutcomeError, Outcome(fmt.Errorf("boom")))
}

func TestDefault_IsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
