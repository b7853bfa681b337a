// Package master implements the control plane: it binds or inherits the
// listening endpoints, drops privileges, spawns the worker pool, and runs
// the signal-reactive supervision loop for the server's lifetime.
package master

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core/endpoint"
)

// TickInterval is the supervision loop period.
const TickInterval = time.Second

type workerRecord struct {
	proc    *os.Process
	spawned time.Time
}

type workerExit struct {
	pid  int
	code int
}

// Master supervises the worker pool. One Master exists per server
// invocation; all state transitions happen inside the tick loop.
type Master struct {
	cfg *config.Config
	log *zap.Logger

	endpoints []*endpoint.Endpoint

	mu      sync.Mutex
	workers map[int]workerRecord
	desired int
	running bool

	// Pending control events. Signal delivery and the admin socket only
	// set these; the tick loop drains them.
	reload    atomic.Bool
	stop      atomic.Bool
	scaleUp   atomic.Bool
	scaleDown atomic.Bool

	sigCh  chan os.Signal
	exitCh chan workerExit
}

// New builds a master for the given configuration.
func New(cfg *config.Config, log *zap.Logger) *Master {
	if log == nil {
		log = zap.NewNop()
	}
	return &Master{
		cfg:     cfg,
		log:     log,
		workers: make(map[int]workerRecord),
		desired: cfg.Workers,
		running: true,
		sigCh:   make(chan os.Signal, 16),
		exitCh:  make(chan workerExit, 64),
	}
}

// Endpoints returns the bound endpoints. Valid after Run has bound them,
// or after SetupEndpoints.
func (m *Master) Endpoints() []*endpoint.Endpoint { return m.endpoints }

// Run binds sockets, drops privileges, spawns the initial pool, and runs
// the supervision loop until a stop is requested. Startup errors are fatal
// and returned before anything is spawned.
func (m *Master) Run() error {
	if len(m.endpoints) == 0 {
		if err := m.SetupEndpoints(); err != nil {
			return err
		}
	}
	if err := m.dropPrivileges(); err != nil {
		return err
	}

	signal.Notify(m.sigCh,
		syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT,
		unix.SIGTTIN, unix.SIGTTOU)
	defer signal.Stop(m.sigCh)

	m.spawnWorkers()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for m.isRunning() {
		<-ticker.C
		m.checkSignals()
		m.reapWorkers(false)
		m.maintainWorkerCount()
	}

	m.reapWorkers(false)
	m.closeEndpoints()
	m.log.Info("master exiting", zap.Int("pid", os.Getpid()))
	return nil
}

// SetupEndpoints binds the configured listen addresses, or adopts a
// pre-bound socket from the supervisor handoff environment variable.
// Any bind failure is fatal.
func (m *Master) SetupEndpoints() error {
	if v := os.Getenv(endpoint.EnvServerStarter); v != "" {
		ep, err := endpoint.Inherit(v, m.cfg.Backlog)
		if err != nil {
			return fmt.Errorf("supervisor handoff: %w", err)
		}
		m.endpoints = []*endpoint.Endpoint{ep}
		m.log.Info("adopted socket from supervisor", zap.String("endpoint", ep.String()))
		return nil
	}

	for _, spec := range m.cfg.Listen {
		ep, err := endpoint.Parse(spec)
		if err != nil {
			return err
		}
		if err := ep.Bind(m.cfg.Backlog); err != nil {
			return err
		}
		m.endpoints = append(m.endpoints, ep)
		m.log.Info("listening", zap.String("endpoint", ep.String()))
	}
	return nil
}

func (m *Master) closeEndpoints() {
	for _, ep := range m.endpoints {
		ep.Close()
	}
}

func (m *Master) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// checkSignals drains pending signal deliveries into flags, then performs
// at most one transition per flag.
func (m *Master) checkSignals() {
drain:
	for {
		select {
		case sig := <-m.sigCh:
			switch sig {
			case syscall.SIGHUP:
				m.reload.Store(true)
			case syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT:
				m.stop.Store(true)
			case unix.SIGTTIN:
				m.scaleUp.Store(true)
			case unix.SIGTTOU:
				m.scaleDown.Store(true)
			}
		default:
			break drain
		}
	}

	if m.reload.Swap(false) {
		m.gracefulRestart()
	}
	if m.stop.Swap(false) {
		m.log.Info("stop requested, terminating workers")
		m.killWorkers(syscall.SIGTERM)
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}
	if m.scaleUp.Swap(false) {
		m.mu.Lock()
		m.desired++
		n := m.desired
		m.mu.Unlock()
		m.log.Info("increasing worker count", zap.Int("desired", n))
	}
	if m.scaleDown.Swap(false) {
		m.mu.Lock()
		if m.desired > 1 {
			m.desired--
		}
		n := m.desired
		m.mu.Unlock()
		m.log.Info("decreasing worker count", zap.Int("desired", n))
	}
}

// gracefulRestart replaces the whole pool: terminate every worker, wait for
// all of them to be reaped, then spawn a fresh pool. The listening sockets
// stay open throughout, so connections queue in the kernel backlog instead
// of being refused.
func (m *Master) gracefulRestart() {
	m.log.Info("reload requested, restarting workers")
	m.killWorkers(syscall.SIGTERM)
	m.reapWorkers(true)
	m.spawnWorkers()
}

func (m *Master) killWorkers(sig syscall.Signal) {
	m.mu.Lock()
	procs := make([]*os.Process, 0, len(m.workers))
	for _, rec := range m.workers {
		procs = append(procs, rec.proc)
	}
	m.mu.Unlock()

	for _, p := range procs {
		// A process that is already gone gets reaped on the next drain.
		_ = p.Signal(sig)
	}
}

// reapWorkers consumes worker exits. Non-blocking by default; when block is
// set it waits until every worker has been reaped (used by reload).
func (m *Master) reapWorkers(block bool) {
	for {
		if block {
			m.mu.Lock()
			remaining := len(m.workers)
			m.mu.Unlock()
			if remaining == 0 {
				return
			}
			m.reapOne(<-m.exitCh)
			continue
		}
		select {
		case exit := <-m.exitCh:
			m.reapOne(exit)
		default:
			return
		}
	}
}

func (m *Master) reapOne(exit workerExit) {
	m.mu.Lock()
	_, known := m.workers[exit.pid]
	delete(m.workers, exit.pid)
	m.mu.Unlock()
	if known {
		m.log.Info("reaped worker",
			zap.Int("pid", exit.pid),
			zap.Int("status", exit.code))
	}
}

// maintainWorkerCount reconciles the live pool against the desired count.
// Deficits are spawned now; excess workers are signalled, oldest first, and
// reaped on a later tick. A stopping master never replaces a worker: a
// quota exit reaped in the same tick as the stop would otherwise spawn a
// process nobody supervises.
func (m *Master) maintainWorkerCount() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	diff := m.desired - len(m.workers)
	var excess []*os.Process
	if diff < 0 {
		byAge := make([]workerRecord, 0, len(m.workers))
		for _, rec := range m.workers {
			byAge = append(byAge, rec)
		}
		sort.Slice(byAge, func(i, j int) bool {
			return byAge[i].spawned.Before(byAge[j].spawned)
		})
		for _, rec := range byAge[:-diff] {
			excess = append(excess, rec.proc)
		}
	}
	m.mu.Unlock()

	if diff > 0 {
		for i := 0; i < diff; i++ {
			if err := m.spawnWorker(); err != nil {
				// Fork failure is transient; retry on the next tick.
				m.log.Error("spawn worker failed", zap.Error(err))
				return
			}
		}
	}
	for _, p := range excess {
		_ = p.Signal(syscall.SIGTERM)
	}
}

func (m *Master) spawnWorkers() {
	m.mu.Lock()
	want := m.desired - len(m.workers)
	m.mu.Unlock()
	for i := 0; i < want; i++ {
		if err := m.spawnWorker(); err != nil {
			m.log.Error("spawn worker failed", zap.Error(err))
			return
		}
	}
}
