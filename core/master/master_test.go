package master

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/prefork/config"
)

func newTestMaster(t *testing.T, workers int) *Master {
	t.Helper()
	cfg, err := config.FromArgs([]string{"--workers", "2"})
	require.NoError(t, err)
	m := New(cfg, nil)
	m.mu.Lock()
	m.desired = workers
	m.mu.Unlock()
	return m
}

// fakeWorker records a pid that no live process owns, so signalling it is a
// harmless ESRCH.
func fakeWorker(t *testing.T, m *Master, pid int, spawned time.Time) {
	t.Helper()
	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	m.mu.Lock()
	m.workers[pid] = workerRecord{proc: proc, spawned: spawned}
	m.mu.Unlock()
}

func TestIsWorkerProcess(t *testing.T) {
	require.False(t, IsWorkerProcess())
	t.Setenv(EnvWorkerFDs, "1")
	require.True(t, IsWorkerProcess())
}

func TestScaleRequestsAdjustDesired(t *testing.T) {
	m := newTestMaster(t, 2)

	m.RequestScaleUp()
	m.checkSignals()
	require.Equal(t, 3, m.Status().Desired)

	for i := 0; i < 5; i++ {
		m.RequestScaleDown()
		m.checkSignals()
	}
	// The pool never scales below one worker.
	require.Equal(t, 1, m.Status().Desired)
}

func TestSignalsMapToTransitions(t *testing.T) {
	m := newTestMaster(t, 2)

	m.sigCh <- unix.SIGTTIN
	m.checkSignals()
	require.Equal(t, 3, m.Status().Desired)

	m.sigCh <- unix.SIGTTOU
	m.checkSignals()
	require.Equal(t, 2, m.Status().Desired)

	require.True(t, m.isRunning())
	m.sigCh <- syscall.SIGTERM
	m.checkSignals()
	require.False(t, m.isRunning())
}

func TestCoalescedSignalsApplyOnce(t *testing.T) {
	m := newTestMaster(t, 2)

	// Multiple deliveries before a tick collapse into one pending flag.
	m.sigCh <- unix.SIGTTIN
	m.sigCh <- unix.SIGTTIN
	m.sigCh <- unix.SIGTTIN
	m.checkSignals()
	require.Equal(t, 3, m.Status().Desired)
}

func TestReapWorkers(t *testing.T) {
	m := newTestMaster(t, 2)
	fakeWorker(t, m, 900001, time.Now())
	fakeWorker(t, m, 900002, time.Now())

	m.exitCh <- workerExit{pid: 900001, code: 0}
	m.reapWorkers(false)

	st := m.Status()
	require.Len(t, st.Workers, 1)
	require.Equal(t, 900002, st.Workers[0].PID)

	// Blocking reap drains until the pool is empty.
	m.exitCh <- workerExit{pid: 900002, code: 1}
	m.reapWorkers(true)
	require.Empty(t, m.Status().Workers)
}

func TestReapUnknownPIDIsIgnored(t *testing.T) {
	m := newTestMaster(t, 1)
	fakeWorker(t, m, 900003, time.Now())

	m.exitCh <- workerExit{pid: 123456, code: 0}
	m.reapWorkers(false)
	require.Len(t, m.Status().Workers, 1)
}

func TestStopTickDoesNotRespawn(t *testing.T) {
	m := newTestMaster(t, 2)
	fakeWorker(t, m, 900010, time.Now())
	fakeWorker(t, m, 900011, time.Now())

	// A quota-retired worker's exit is already queued when the stop lands;
	// the reap opens a deficit in the same tick.
	m.exitCh <- workerExit{pid: 900010, code: 0}
	m.RequestStop()

	m.checkSignals()
	m.reapWorkers(false)
	m.maintainWorkerCount()

	require.False(t, m.isRunning())
	st := m.Status()
	require.Len(t, st.Workers, 1, "a stopping master must not replace workers")
	require.Equal(t, 900011, st.Workers[0].PID)
}

func TestMaintainSignalsExcessWorkers(t *testing.T) {
	m := newTestMaster(t, 1)
	fakeWorker(t, m, 900004, time.Now().Add(-time.Minute))
	fakeWorker(t, m, 900005, time.Now())

	// Excess workers are signalled but stay in the pool until reaped.
	m.maintainWorkerCount()
	require.Len(t, m.Status().Workers, 2)
}

func TestStatusSnapshot(t *testing.T) {
	m := newTestMaster(t, 4)
	fakeWorker(t, m, 900006, time.Now())

	st := m.Status()
	require.Equal(t, os.Getpid(), st.PID)
	require.Equal(t, 4, st.Desired)
	require.Len(t, st.Workers, 1)
}

func TestDropPrivilegesNoopWithoutConfig(t *testing.T) {
	m := newTestMaster(t, 1)
	require.NoError(t, m.dropPrivileges())
}

func TestLookupIDs(t *testing.T) {
	gid, err := lookupGroupID("123")
	require.NoError(t, err)
	require.Equal(t, 123, gid)

	uid, err := lookupUserID("456")
	require.NoError(t, err)
	require.Equal(t, 456, uid)

	_, err = lookupGroupID("no-such-group-zzz")
	require.Error(t, err)
	_, err = lookupUserID("no-such-user-zzz")
	require.Error(t, err)
}
