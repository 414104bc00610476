package supervisor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// newTestSupervisor returns a supervisor with timings shrunk so restart
// storms play out in milliseconds, plus a subscription to its emissions.
func newTestSupervisor(t *testing.T) (*Supervisor, *bus.Subscription) {
	t.Helper()
	b := bus.New()
	s := New("test-node", b)
	s.settleWindow = 20 * time.Millisecond
	s.backoffBase = 5 * time.Millisecond
	sub := b.Subscribe("process.*")
	t.Cleanup(sub.Close)
	return s, sub
}

// waitForState blocks until the process reports the wanted state on the
// bus, returning the triggering payload.
func waitForState(t *testing.T, sub *bus.Subscription, id string, state models.ProcessState) *models.ProcessStateChangedPayload {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-sub.C():
			p, ok := env.Payload.(*models.ProcessStateChangedPayload)
			if ok && p.ID == id && p.State == state {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for process %q to reach %s", id, state)
			return nil
		}
	}
}

func shellSpec(script string, autoRestart bool) models.ProcessSpec {
	return models.ProcessSpec{
		Command:           "/bin/sh",
		Args:              []string{"-c", script},
		AutoRestart:       autoRestart,
		MaxRestarts:       3,
		RestartWindowS:    60,
		GracefulTimeoutMS: 2000,
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	s, _ := newTestSupervisor(t)

	require.NoError(t, s.Add("p1", shellSpec("sleep 60", false)))
	err := s.Add("p1", shellSpec("sleep 60", false))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStartReachesRunningAndStopIsGraceful(t *testing.T) {
	s, sub := newTestSupervisor(t)

	require.NoError(t, s.Add("web", shellSpec("sleep 60", false)))
	require.NoError(t, s.Start("web"))

	waitForState(t, sub, "web", models.ProcessStarting)
	p := waitForState(t, sub, "web", models.ProcessRunning)
	assert.NotZero(t, p.PID)

	st, err := s.Status("web")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessRunning, st.State)
	assert.Equal(t, "test-node", st.Node)
	assert.NotZero(t, st.PID)

	require.NoError(t, s.Stop("web"))
	waitForState(t, sub, "web", models.ProcessStopping)
	waitForState(t, sub, "web", models.ProcessStopped)

	st, err = s.Status("web")
	require.NoError(t, err)
	assert.Zero(t, st.PID)
	assert.Contains(t, st.LastExitReason, "signal")
}

func TestStopIsIdempotent(t *testing.T) {
	s, sub := newTestSupervisor(t)

	require.NoError(t, s.Add("web", shellSpec("sleep 60", false)))
	require.NoError(t, s.Start("web"))
	waitForState(t, sub, "web", models.ProcessRunning)

	require.NoError(t, s.Stop("web"))
	// Second stop while stopping, third after stopped: both no-ops.
	require.NoError(t, s.Stop("web"))
	waitForState(t, sub, "web", models.ProcessStopped)
	require.NoError(t, s.Stop("web"))
}

func TestStartRefusesWhileRunning(t *testing.T) {
	s, sub := newTestSupervisor(t)

	require.NoError(t, s.Add("web", shellSpec("sleep 60", false)))
	require.NoError(t, s.Start("web"))
	waitForState(t, sub, "web", models.ProcessRunning)

	err := s.Start("web")
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Stop("web"))
	waitForState(t, sub, "web", models.ProcessStopped)
}

func TestPortConflictRefusedBeforeSpawn(t *testing.T) {
	s, _ := newTestSupervisor(t)

	// Occupy a port the way a running process would.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	spec := shellSpec("sleep 60", false)
	spec.Env = map[string]string{"PORT": strconv.Itoa(port)}
	require.NoError(t, s.Add("p2", spec))

	err = s.Start("p2")
	require.ErrorIs(t, err, ErrPortInUse)

	// No spawn happened: the record is untouched and startable once the
	// port frees up.
	st, err := s.Status("p2")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessStopped, st.State)
	assert.Zero(t, st.PID)
}

func TestDeclaredPortsCollectsAllSources(t *testing.T) {
	spec := models.ProcessSpec{
		Command: "/bin/true",
		Ports:   []int{8080, 8080},
		Env:     map[string]string{"PORT": "9090"},
		HealthCheck: &models.HealthCheck{
			Kind: models.HealthCheckHTTP,
			URL:  "http://127.0.0.1:7070/healthz",
		},
	}
	assert.ElementsMatch(t, []int{8080, 9090, 7070}, declaredPorts(&spec))

	spec.HealthCheck = &models.HealthCheck{Kind: models.HealthCheckTCP, Addr: "127.0.0.1:6060"}
	assert.ElementsMatch(t, []int{8080, 9090, 6060}, declaredPorts(&spec))
}

func TestRestartStormEndsInGivingUp(t *testing.T) {
	s, sub := newTestSupervisor(t)
	b := s.bus
	givingUp := b.Subscribe(models.EventProcessGivingUp)
	t.Cleanup(givingUp.Close)

	require.NoError(t, s.Add("crashy", shellSpec("exit 1", true)))
	require.NoError(t, s.Start("crashy"))

	// Initial spawn plus max_restarts retries, each dying immediately.
	for i := 0; i < 3; i++ {
		waitForState(t, sub, "crashy", models.ProcessFailed)
		waitForState(t, sub, "crashy", models.ProcessBackoff)
		waitForState(t, sub, "crashy", models.ProcessStarting)
	}
	waitForState(t, sub, "crashy", models.ProcessFailed)

	select {
	case env := <-givingUp.C():
		p, ok := env.Payload.(*models.ProcessGivingUpPayload)
		require.True(t, ok)
		assert.Equal(t, "crashy", p.ID)
		assert.Equal(t, 3, p.Restarts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process.giving_up")
	}

	st, err := s.Status("crashy")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessFailed, st.State)
	assert.Equal(t, 3, st.RestartsInWin)
	assert.Contains(t, st.LastExitReason, "exit 1")
}

func TestManualStartAfterGivingUpResetsWindow(t *testing.T) {
	s, sub := newTestSupervisor(t)

	spec := shellSpec("exit 1", true)
	spec.MaxRestarts = 1
	require.NoError(t, s.Add("crashy", spec))
	require.NoError(t, s.Start("crashy"))

	waitForState(t, sub, "crashy", models.ProcessFailed) // initial crash
	waitForState(t, sub, "crashy", models.ProcessFailed) // retry crash, gives up

	// Operator intervention forgives the storm history.
	require.NoError(t, s.Start("crashy"))
	waitForState(t, sub, "crashy", models.ProcessFailed)
	waitForState(t, sub, "crashy", models.ProcessBackoff)
}

func TestCleanExitDoesNotRestart(t *testing.T) {
	s, sub := newTestSupervisor(t)

	require.NoError(t, s.Add("oneshot", shellSpec("exit 0", true)))
	require.NoError(t, s.Start("oneshot"))

	p := waitForState(t, sub, "oneshot", models.ProcessStopped)
	assert.Equal(t, "exit 0", p.Reason)

	// Give the policy a chance to misfire before asserting quiescence.
	time.Sleep(50 * time.Millisecond)
	st, err := s.Status("oneshot")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessStopped, st.State)
	assert.Zero(t, st.RestartsInWin)
}

func TestStopDuringBackoffCancelsRestart(t *testing.T) {
	s, sub := newTestSupervisor(t)
	s.backoffBase = time.Hour // park the record in backoff

	require.NoError(t, s.Add("crashy", shellSpec("exit 1", true)))
	require.NoError(t, s.Start("crashy"))
	waitForState(t, sub, "crashy", models.ProcessBackoff)

	require.NoError(t, s.Stop("crashy"))
	st, err := s.Status("crashy")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessStopped, st.State)
}

func TestRemoveRequiresTerminalState(t *testing.T) {
	s, sub := newTestSupervisor(t)

	require.NoError(t, s.Add("web", shellSpec("sleep 60", false)))
	require.NoError(t, s.Start("web"))
	waitForState(t, sub, "web", models.ProcessRunning)

	err := s.Remove("web")
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, s.Stop("web"))
	waitForState(t, sub, "web", models.ProcessStopped)
	require.NoError(t, s.Remove("web"))

	_, err = s.Status("web")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListSortsAndReportsHealth(t *testing.T) {
	s, _ := newTestSupervisor(t)

	require.NoError(t, s.Add("b", shellSpec("sleep 60", false)))
	require.NoError(t, s.Add("a", shellSpec("sleep 60", false)))
	s.SetHealth("a", models.HealthHealthy)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, models.HealthHealthy, list[0].Health)
	assert.Equal(t, models.HealthUnknown, list[1].Health)
}

func TestLoadSpecsDefersLiveChanges(t *testing.T) {
	s, sub := newTestSupervisor(t)

	require.NoError(t, s.Add("web", shellSpec("sleep 60", false)))
	require.NoError(t, s.Start("web"))
	waitForState(t, sub, "web", models.ProcessRunning)

	updated := shellSpec("sleep 60", true)
	s.LoadSpecs(map[string]models.ProcessSpec{
		"web": updated,
		"new": shellSpec("sleep 60", false),
	})

	// New id appears stopped; the running one keeps its old spec.
	st, err := s.Status("new")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessStopped, st.State)

	s.mu.Lock()
	assert.False(t, s.records["web"].spec.AutoRestart)
	s.mu.Unlock()

	require.NoError(t, s.Stop("web"))
	waitForState(t, sub, "web", models.ProcessStopped)

	s.LoadSpecs(map[string]models.ProcessSpec{"web": updated})
	s.mu.Lock()
	assert.True(t, s.records["web"].spec.AutoRestart)
	s.mu.Unlock()
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(time.Second, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(time.Second, 1))
	assert.Equal(t, 8*time.Second, backoffDelay(time.Second, 3))
	assert.Equal(t, 30*time.Second, backoffDelay(time.Second, 10))
}

func TestStatusLeavesRestartWindowIntact(t *testing.T) {
	s, _ := newTestSupervisor(t)
	require.NoError(t, s.Add("web", shellSpec("sleep 60", true)))

	now := time.Now()
	seeded := []time.Time{
		now.Add(-2 * time.Minute), // aged out of the 60s window
		now.Add(-20 * time.Second),
		now.Add(-10 * time.Second),
	}
	s.mu.Lock()
	s.records["web"].restarts = append([]time.Time(nil), seeded...)
	s.mu.Unlock()

	// Status is polled constantly (healthz lists every process), so
	// repeated reads must not disturb the restart accounting.
	for i := 0; i < 3; i++ {
		st, err := s.Status("web")
		require.NoError(t, err)
		assert.Equal(t, 2, st.RestartsInWin)
	}
	_ = s.List()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, seeded, s.records["web"].restarts)
}
