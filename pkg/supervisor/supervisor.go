// Package supervisor starts, stops, monitors, and restarts OS processes on
// one node. Each process record runs the state machine
//
//	stopped → starting → running → stopping → stopped
//	            │            │
//	            ▼            ▼ (unexpected exit)
//	          failed ←──── failed ──auto_restart──▶ backoff ──timer──▶ starting
//
// with a sliding-window restart policy and a pre-flight port-conflict
// check. Every transition is emitted on the event bus as
// process.state_changed; remote nodes only ever hold that observed state.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// Policy timing defaults. settleWindow is how long a spawn must survive
// before starting counts as running.
const (
	defaultSettleWindow    = 500 * time.Millisecond
	defaultBackoffBase     = time.Second
	maxBackoffDelay        = 30 * time.Second
	defaultGracefulTimeout = 5 * time.Second
)

// record is the authoritative per-process state. Owned by its Supervisor;
// all access goes through the supervisor mutex.
type record struct {
	id        string
	spec      models.ProcessSpec
	state     models.ProcessState
	pid       int
	startedAt time.Time
	exitInfo  string
	restarts  []time.Time // spawn-window timestamps for storm protection
	health    models.HealthState

	// gen increments per spawn; monitor callbacks for stale generations
	// are ignored. monitoring is true while exactly one monitor goroutine
	// is attached to the live process.
	gen        int
	monitoring bool
	cmd        *exec.Cmd

	backoffTimer *time.Timer
	killTimer    *time.Timer
}

// Supervisor owns the process records of one node.
type Supervisor struct {
	node   string
	bus    *bus.Bus
	logger *slog.Logger

	mu         sync.Mutex
	records    map[string]*record
	startOrder []string

	// Overridable for tests.
	settleWindow time.Duration
	backoffBase  time.Duration
	wg           sync.WaitGroup
}

// New creates a supervisor for the given node id.
func New(node string, b *bus.Bus) *Supervisor {
	return &Supervisor{
		node:         node,
		bus:          b,
		logger:       slog.With("component", "supervisor", "node", node),
		records:      make(map[string]*record),
		settleWindow: defaultSettleWindow,
		backoffBase:  defaultBackoffBase,
	}
}

// Add registers a process record in state stopped. Fails with
// ErrAlreadyExists on a duplicate id.
func (s *Supervisor) Add(id string, spec models.ProcessSpec) error {
	if id == "" {
		return fmt.Errorf("%w: empty process id", ErrInvalidState)
	}
	if spec.Command == "" {
		return fmt.Errorf("%w: process %q has no command", ErrInvalidState, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return fmt.Errorf("process %q: %w", id, ErrAlreadyExists)
	}
	rec := &record{id: id, spec: spec, state: models.ProcessStopped, health: models.HealthUnknown}
	s.records[id] = rec
	s.setStateLocked(rec, models.ProcessStopped, "added")
	return nil
}

// Start launches a process. Legal only from stopped or failed. The
// pre-flight port probe fails with ErrPortInUse before any spawn.
func (s *Supervisor) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("process %q: %w", id, ErrNotFound)
	}
	if rec.state != models.ProcessStopped && rec.state != models.ProcessFailed {
		return fmt.Errorf("%w: cannot start process %q from %s", ErrInvalidState, id, rec.state)
	}

	for _, port := range declaredPorts(&rec.spec) {
		if portBound(port) {
			return fmt.Errorf("process %q: port %d: %w", id, port, ErrPortInUse)
		}
	}
	return s.spawnLocked(rec, true)
}

// spawnLocked launches rec's command and attaches its monitor. fresh
// resets the restart window (a manual start forgives past storms).
func (s *Supervisor) spawnLocked(rec *record, fresh bool) error {
	if fresh {
		rec.restarts = nil
	}
	s.setStateLocked(rec, models.ProcessStarting, "")

	cmd := exec.Command(rec.spec.Command, rec.spec.Args...)
	cmd.Dir = rec.spec.Cwd
	cmd.Env = os.Environ()
	for k, v := range rec.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so graceful/kill signals reach children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.setStateLocked(rec, models.ProcessFailed, "spawn: "+err.Error())
		return fmt.Errorf("spawn process %q: %w", rec.id, err)
	}

	rec.gen++
	rec.cmd = cmd
	rec.pid = cmd.Process.Pid
	rec.startedAt = time.Now()
	rec.monitoring = true
	s.noteStartOrderLocked(rec.id)

	gen := rec.gen
	s.wg.Add(1)
	go s.monitor(rec.id, gen, cmd)

	time.AfterFunc(s.settleWindow, func() { s.settled(rec.id, gen) })
	return nil
}

// monitor waits for the process to exit and reports it. There is exactly
// one monitor per spawn; it is torn down (monitoring=false) before the
// exit transition is applied, so a subsequent remove never sees a stale
// monitor.
func (s *Supervisor) monitor(id string, gen int, cmd *exec.Cmd) {
	defer s.wg.Done()
	err := cmd.Wait()
	s.handleExit(id, gen, err)
}

// settled promotes starting → running after the settle window, provided
// the same spawn is still alive.
func (s *Supervisor) settled(id string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.gen != gen || rec.state != models.ProcessStarting {
		return
	}
	s.setStateLocked(rec, models.ProcessRunning, "")
}

func (s *Supervisor) handleExit(id string, gen int, waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.gen != gen {
		return // record removed or a newer spawn owns the slot
	}

	// Monitor teardown happens before the state machine observes the exit.
	rec.monitoring = false
	rec.cmd = nil
	pid := rec.pid
	rec.pid = 0
	if rec.killTimer != nil {
		rec.killTimer.Stop()
		rec.killTimer = nil
	}

	reason, clean := exitReason(waitErr)
	rec.exitInfo = reason
	prior := rec.state

	switch prior {
	case models.ProcessStopping:
		s.setStateLocked(rec, models.ProcessStopped, reason)
		return
	case models.ProcessStarting, models.ProcessRunning:
	default:
		s.logger.Warn("Exit observed in unexpected state",
			"process_id", id, "state", prior, "pid", pid)
		return
	}

	if clean {
		s.setStateLocked(rec, models.ProcessStopped, reason)
		return
	}

	// Unexpected exit.
	s.setStateLocked(rec, models.ProcessFailed, reason)
	if !rec.spec.AutoRestart {
		return
	}

	window := time.Duration(rec.spec.RestartWindowS) * time.Second
	rec.restarts = pruneWindow(rec.restarts, time.Now().Add(-window))
	if len(rec.restarts) >= rec.spec.MaxRestarts {
		s.logger.Warn("Restart limit reached, giving up",
			"process_id", id, "restarts", len(rec.restarts), "window_s", rec.spec.RestartWindowS)
		s.bus.Emit(models.EventProcessGivingUp, &models.ProcessGivingUpPayload{
			Node:     s.node,
			ID:       id,
			Restarts: len(rec.restarts),
			WindowS:  rec.spec.RestartWindowS,
		})
		return
	}

	delay := backoffDelay(s.backoffBase, len(rec.restarts))
	rec.restarts = append(rec.restarts, time.Now())
	s.setStateLocked(rec, models.ProcessBackoff, reason)
	restartGen := rec.gen
	rec.backoffTimer = time.AfterFunc(delay, func() { s.restartFromBackoff(id, restartGen) })
	s.logger.Info("Scheduling restart",
		"process_id", id, "delay", delay, "restarts_in_window", len(rec.restarts))
}

func (s *Supervisor) restartFromBackoff(id string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.gen != gen || rec.state != models.ProcessBackoff {
		return
	}
	rec.backoffTimer = nil
	if err := s.spawnLocked(rec, false); err != nil {
		s.logger.Error("Restart spawn failed", "process_id", id, "error", err)
	}
}

// Stop terminates a process gracefully: SIGTERM, then SIGKILL after the
// record's graceful timeout. Legal from running, starting, or backoff.
// Stopping an already stopping or stopped process is a no-op.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("process %q: %w", id, ErrNotFound)
	}

	switch rec.state {
	case models.ProcessStopping, models.ProcessStopped:
		return nil // idempotent
	case models.ProcessBackoff:
		if rec.backoffTimer != nil {
			rec.backoffTimer.Stop()
			rec.backoffTimer = nil
		}
		s.setStateLocked(rec, models.ProcessStopped, "stopped during backoff")
		return nil
	case models.ProcessFailed:
		return fmt.Errorf("%w: cannot stop process %q from %s", ErrInvalidState, id, rec.state)
	}

	s.setStateLocked(rec, models.ProcessStopping, "")
	pid := rec.pid
	gen := rec.gen
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Group may already be gone; fall back to the process itself.
		if rec.cmd != nil && rec.cmd.Process != nil {
			_ = rec.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	graceful := time.Duration(rec.spec.GracefulTimeoutMS) * time.Millisecond
	if graceful <= 0 {
		graceful = defaultGracefulTimeout
	}
	rec.killTimer = time.AfterFunc(graceful, func() { s.forceKill(id, gen, pid) })
	return nil
}

func (s *Supervisor) forceKill(id string, gen int, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.gen != gen || rec.state != models.ProcessStopping {
		return
	}
	s.logger.Warn("Graceful timeout expired, killing", "process_id", id, "pid", pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// Remove deletes a record. Requires state stopped or failed; anything
// live fails with ErrBusy.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("process %q: %w", id, ErrNotFound)
	}
	if rec.state != models.ProcessStopped && rec.state != models.ProcessFailed {
		return fmt.Errorf("%w: process %q is %s", ErrBusy, id, rec.state)
	}
	delete(s.records, id)
	for i, sid := range s.startOrder {
		if sid == id {
			s.startOrder = append(s.startOrder[:i], s.startOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Status returns the observed state of one record.
func (s *Supervisor) Status(id string) (models.ProcessStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return models.ProcessStatus{}, fmt.Errorf("process %q: %w", id, ErrNotFound)
	}
	return s.statusLocked(rec), nil
}

// List returns all records sorted by id.
func (s *Supervisor) List() []models.ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProcessStatus, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, s.statusLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListRunningWithSpec returns the launch config of every currently running
// process, keyed by id.
func (s *Supervisor) ListRunningWithSpec() map[string]models.ProcessSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.ProcessSpec)
	for id, rec := range s.records {
		if rec.state == models.ProcessRunning {
			out[id] = rec.spec
		}
	}
	return out
}

// SetHealth records a health-monitor verdict. Unhealthy alone never
// triggers a restart; it only surfaces.
func (s *Supervisor) SetHealth(id string, health models.HealthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.health = health
	}
}

// LoadSpecs upserts records from the process-config file. New ids are
// added; non-running records get the new spec; running records keep their
// current config until restarted.
func (s *Supervisor) LoadSpecs(specs map[string]models.ProcessSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, spec := range specs {
		rec, ok := s.records[id]
		if !ok {
			rec = &record{id: id, spec: spec, state: models.ProcessStopped, health: models.HealthUnknown}
			s.records[id] = rec
			s.setStateLocked(rec, models.ProcessStopped, "added")
			continue
		}
		switch rec.state {
		case models.ProcessStopped, models.ProcessFailed:
			rec.spec = spec
		default:
			s.logger.Info("Deferring config change for live process", "process_id", id, "state", rec.state)
		}
	}
}

// StopAll stops every live process in reverse start order and waits for
// the monitors to drain. Used during graceful shutdown.
func (s *Supervisor) StopAll(timeout time.Duration) {
	s.mu.Lock()
	order := make([]string, len(s.startOrder))
	copy(order, s.startOrder)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if err := s.Stop(order[i]); err != nil {
			s.logger.Debug("Shutdown stop skipped", "process_id", order[i], "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Timed out waiting for supervised processes to exit")
	}
}

func (s *Supervisor) statusLocked(rec *record) models.ProcessStatus {
	window := time.Duration(rec.spec.RestartWindowS) * time.Second
	// Count without pruneWindow: it compacts its input in place, and only
	// the exit path may rewrite rec.restarts.
	cutoff := time.Now().Add(-window)
	live := 0
	for _, ts := range rec.restarts {
		if ts.After(cutoff) {
			live++
		}
	}
	return models.ProcessStatus{
		ID:             rec.id,
		Node:           s.node,
		State:          rec.state,
		PID:            rec.pid,
		StartedAt:      rec.startedAt,
		LastExitReason: rec.exitInfo,
		RestartsInWin:  live,
		Health:         rec.health,
	}
}

// setStateLocked applies a transition and emits process.state_changed.
func (s *Supervisor) setStateLocked(rec *record, state models.ProcessState, reason string) {
	rec.state = state
	s.logger.Info("Process state changed",
		"process_id", rec.id, "state", state, "pid", rec.pid, "reason", reason)
	s.bus.Emit(models.EventProcessStateChanged, &models.ProcessStateChangedPayload{
		Node:   s.node,
		ID:     rec.id,
		State:  state,
		PID:    rec.pid,
		Reason: reason,
	})
}

func (s *Supervisor) noteStartOrderLocked(id string) {
	for _, sid := range s.startOrder {
		if sid == id {
			return
		}
	}
	s.startOrder = append(s.startOrder, id)
}

// exitReason renders a wait error and reports whether the exit was clean.
func exitReason(waitErr error) (string, bool) {
	if waitErr == nil {
		return "exit 0", true
	}
	if exit, ok := waitErr.(*exec.ExitError); ok {
		if status, ok := exit.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return "signal: " + status.Signal().String(), false
		}
		return fmt.Sprintf("exit %d", exit.ExitCode()), false
	}
	return waitErr.Error(), false
}

// backoffDelay computes min(maxBackoffDelay, base × 2^n).
func backoffDelay(base time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	if d > maxBackoffDelay {
		return maxBackoffDelay
	}
	return d
}

// pruneWindow drops timestamps at or before the cutoff.
func pruneWindow(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
