// Package vcpu runs guest CPUs, one goroutine per vCPU. The manager owns the
// pause barrier: PauseAll returns only once every vCPU has parked at a safe
// halt point, and ResumeAll releases them together.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/driftvm/drift/internal/hv"
)

var (
	// ErrAlreadyStarted reports a second StartAll.
	ErrAlreadyStarted = errors.New("vcpu: already started")

	// ErrNotStarted reports pause/resume before StartAll.
	ErrNotStarted = errors.New("vcpu: not started")
)

// Runner executes guest code on behalf of the manager. RunSlice runs one
// vCPU until its next trap or kick; Kick forces a running slice to return
// promptly so the vCPU can reach the pause barrier.
type Runner interface {
	Create(id int) error
	RunSlice(ctx context.Context, id int) error
	Kick(id int) error
}

// Manager implements hv.VcpuManager over a Runner.
type Manager struct {
	log    *slog.Logger
	runner Runner

	mu      sync.Mutex
	cond    *sync.Cond
	count   int
	live    int // run goroutines that have not exited
	started bool
	stopped bool
	paused  bool
	parked  int

	cancel context.CancelFunc
	group  *errgroup.Group
	runCtx context.Context
}

// NewManager returns a manager with no vCPUs. A nil logger means
// slog.Default.
func NewManager(runner Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{log: logger, runner: runner}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// CreateVcpus creates count vCPUs, ids 0..count-1. Existing ids are left
// alone, so growing a running manager creates and launches only the new
// vCPUs.
func (m *Manager) CreateVcpus(count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrAlreadyStarted
	}
	first := m.count
	for id := first; id < count; id++ {
		if err := m.runner.Create(id); err != nil {
			return fmt.Errorf("vcpu: creating vcpu %d: %w", id, err)
		}
	}
	if count > m.count {
		m.count = count
	}
	if m.started {
		for id := first; id < count; id++ {
			m.spawn(id)
		}
	}
	return nil
}

// spawn launches one vCPU thread and tracks its liveness so the pause
// barrier only waits for vCPUs that can still park. Callers hold m.mu.
func (m *Manager) spawn(id int) {
	m.live++
	m.group.Go(func() error {
		err := m.run(m.runCtx, id)
		m.mu.Lock()
		m.live--
		m.cond.Broadcast()
		m.mu.Unlock()
		return err
	})
}

// VcpuCount returns the number of created vCPUs.
func (m *Manager) VcpuCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// StartAll launches every vCPU thread and returns. Run errors are collected
// and surfaced by StopAll.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.group, runCtx = errgroup.WithContext(runCtx)
	m.runCtx = runCtx
	for id := 0; id < m.count; id++ {
		m.spawn(id)
	}
	m.log.Debug("vcpus started", "count", m.count)
	return nil
}

// run is one vCPU thread: execute slices, parking at the barrier whenever a
// pause is requested.
func (m *Manager) run(ctx context.Context, id int) error {
	for {
		m.mu.Lock()
		for m.paused && !m.stopped {
			m.parked++
			m.cond.Broadcast()
			m.cond.Wait()
			m.parked--
		}
		stopped := m.stopped
		m.mu.Unlock()

		if stopped || ctx.Err() != nil {
			return nil
		}
		if err := m.runner.RunSlice(ctx, id); err != nil {
			if errors.Is(err, hv.ErrVMHalted) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("vcpu %d: %w", id, err)
		}
	}
}

// PauseAll requests a pause and blocks until every vCPU is parked.
func (m *Manager) PauseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	if m.paused {
		return nil
	}
	m.paused = true
	for id := 0; id < m.count; id++ {
		if err := m.runner.Kick(id); err != nil {
			m.log.Warn("kick failed", "vcpu", id, "err", err)
		}
	}
	// Halted vCPUs have left their run loop and can never park; wait only
	// for the threads still alive.
	for m.parked < m.live && !m.stopped {
		m.cond.Wait()
	}
	return nil
}

// ResumeAll releases the barrier.
func (m *Manager) ResumeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	m.paused = false
	m.cond.Broadcast()
	return nil
}

// StopAll halts every vCPU and returns the first run error, if any.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.cond.Broadcast()
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.paused = false
	m.cond.Broadcast()
	cancel, group := m.cancel, m.group
	for id := 0; id < m.count; id++ {
		if err := m.runner.Kick(id); err != nil {
			m.log.Warn("kick failed", "vcpu", id, "err", err)
		}
	}
	m.mu.Unlock()

	cancel()
	return group.Wait()
}
