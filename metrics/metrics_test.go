package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/sandbox"
)

type fakeStats struct {
	inUse, waiting int
}

func (f *fakeStats) InUse() int   { return f.inUse }
func (f *fakeStats) Waiting() int { return f.waiting }

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveResult(t *testing.T) {
	m := New(&fakeStats{})

	m.ObserveResult("python", sandbox.Result{Status: sandbox.StatusSuccess, DurationMillis: 12})
	m.ObserveResult("python", sandbox.Result{Status: sandbox.StatusSuccess, DurationMillis: 30})
	m.ObserveResult("java", sandbox.Result{Status: sandbox.StatusCompileError, CompileMillis: 800})

	text := scrape(t, m)
	assert.Contains(t, text, `runbox_executions_total{language="python",status="SUCCESS"} 2`)
	assert.Contains(t, text, `runbox_executions_total{language="java",status="COMPILE_ERROR"} 1`)
	assert.Contains(t, text, `runbox_execution_duration_ms_count{language="python",phase="run"} 2`)
	assert.Contains(t, text, `runbox_execution_duration_ms_count{language="java",phase="compile"} 1`)
	// java never reached the run phase
	assert.NotContains(t, text, `runbox_execution_duration_ms_count{language="java",phase="run"}`)
}

func TestObserveRejectionAndTransition(t *testing.T) {
	m := New(&fakeStats{})

	m.ObserveRejection(sandbox.KindOverloaded)
	m.ObserveRejection(sandbox.KindOverloaded)
	m.ObserveRejection(sandbox.KindNotSupported)
	m.ObserveTransition(sandbox.StateRunning)

	text := scrape(t, m)
	assert.Contains(t, text, `runbox_admission_rejections_total{reason="OVERLOADED"} 2`)
	assert.Contains(t, text, `runbox_admission_rejections_total{reason="NOT_SUPPORTED"} 1`)
	assert.Contains(t, text, `runbox_state_transitions_total{state="running"} 1`)
}

func TestAdmissionGaugesReadAtScrape(t *testing.T) {
	stats := &fakeStats{inUse: 3, waiting: 5}
	m := New(stats)

	text := scrape(t, m)
	assert.Contains(t, text, "runbox_running_executions 3")
	assert.Contains(t, text, "runbox_queued_executions 5")

	stats.inUse = 1
	text = scrape(t, m)
	assert.Contains(t, text, "runbox_running_executions 1")
}
