package master

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment markers for spawned worker processes. The listening sockets
// are passed as extra files starting at descriptor 3, in endpoint order.
const (
	EnvWorkerFDs  = "PREFORK_WORKER_FDS"
	EnvEndpoints  = "PREFORK_ENDPOINTS"
	WorkerFDStart = 3
)

// IsWorkerProcess reports whether this process was spawned as a worker.
func IsWorkerProcess() bool {
	return os.Getenv(EnvWorkerFDs) != ""
}

// spawnWorker starts one worker process sharing the master's listening
// descriptors. Go cannot fork, so the worker is a re-exec of this binary
// carrying the sockets as inherited files.
func (m *Master) spawnWorker() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	specs := make([]string, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		files = append(files, ep.File())
		specs = append(specs, ep.Address)
	}

	env := append(os.Environ(),
		EnvWorkerFDs+"="+strconv.Itoa(len(m.endpoints)),
		EnvEndpoints+"="+strings.Join(specs, ","))

	argv := []string{exe}
	if m.cfg.SetProcTitle {
		argv[0] = "prefork: worker process"
	}

	proc, err := os.StartProcess(exe, argv, &os.ProcAttr{
		Files: files,
		Env:   env,
	})
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	m.mu.Lock()
	m.workers[proc.Pid] = workerRecord{proc: proc, spawned: time.Now()}
	m.mu.Unlock()

	m.log.Info("spawned worker", zap.Int("pid", proc.Pid))

	go func() {
		state, err := proc.Wait()
		code := -1
		if err == nil {
			code = state.ExitCode()
		}
		m.exitCh <- workerExit{pid: proc.Pid, code: code}
	}()
	return nil
}

// WorkerStatus describes one live worker.
type WorkerStatus struct {
	PID     int
	Spawned time.Time
}

// Status is a point-in-time snapshot of the control plane, served over the
// admin socket.
type Status struct {
	PID       int
	Desired   int
	Workers   []WorkerStatus
	Endpoints []string
}

// Status snapshots the worker pool.
func (m *Master) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		PID:     os.Getpid(),
		Desired: m.desired,
	}
	for pid, rec := range m.workers {
		st.Workers = append(st.Workers, WorkerStatus{PID: pid, Spawned: rec.spawned})
	}
	for _, ep := range m.endpoints {
		st.Endpoints = append(st.Endpoints, ep.String())
	}
	return st
}

// The admin socket raises the same pending flags the POSIX signals set;
// transitions still happen only inside the tick loop.

// RequestReload schedules a full-replace worker restart.
func (m *Master) RequestReload() { m.reload.Store(true) }

// RequestStop schedules a shutdown.
func (m *Master) RequestStop() { m.stop.Store(true) }

// RequestScaleUp schedules a +1 adjustment of the desired worker count.
func (m *Master) RequestScaleUp() { m.scaleUp.Store(true) }

// RequestScaleDown schedules a -1 adjustment (floor of 1).
func (m *Master) RequestScaleDown() { m.scaleDown.Store(true) }
