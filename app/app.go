// Package app ties the configuration, the application handler, and the
// process role together. The same binary runs as master or worker: the
// master spawns re-execs of itself carrying the listening sockets, and Run
// picks the role from the environment.
package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core/ctrl"
	"github.com/searchktools/prefork/core/endpoint"
	"github.com/searchktools/prefork/core/gateway"
	"github.com/searchktools/prefork/core/master"
	"github.com/searchktools/prefork/core/worker"
)

const envDaemon = "_PREFORK_DAEMON"

// App is one server invocation.
type App struct {
	cfg     *config.Config
	handler gateway.Handler
	log     *zap.Logger
}

// New creates an application instance.
func New(cfg *config.Config, handler gateway.Handler) *App {
	return &App{cfg: cfg, handler: handler, log: newLogger(cfg)}
}

// NewWithLogger creates an application instance with a caller-built logger.
func NewWithLogger(cfg *config.Config, handler gateway.Handler, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return &App{cfg: cfg, handler: handler, log: log}
}

// Run starts the server. In a worker process it serves connections until
// the quota; otherwise it runs the master supervision loop. Fatal startup
// errors exit with a non-zero status before anything serves traffic.
func (a *App) Run() {
	defer a.log.Sync()

	if master.IsWorkerProcess() {
		if err := a.runWorker(); err != nil {
			a.log.Fatal("worker failed", zap.Error(err))
		}
		return
	}

	a.maybeDaemonize()

	if a.cfg.PIDFile != "" {
		if err := writePIDFile(a.cfg.PIDFile); err != nil {
			a.log.Fatal("write pid file", zap.Error(err))
		}
	}

	m := master.New(a.cfg, a.log)

	var admin *ctrl.Server
	if a.cfg.CtlSock != "" {
		admin = ctrl.NewServer(a.cfg.CtlSock, m, a.log)
	}

	a.log.Info("prefork master starting",
		zap.String("version", config.Version),
		zap.Int("pid", os.Getpid()),
		zap.Int("workers", a.cfg.Workers),
		zap.Strings("listen", a.cfg.Listen))

	if err := m.SetupEndpoints(); err != nil {
		a.log.Fatal("bind failed", zap.Error(err))
	}
	if admin != nil {
		if err := admin.Start(); err != nil {
			a.log.Fatal("admin socket failed", zap.Error(err))
		}
		defer admin.Close()
	}
	if err := m.Run(); err != nil {
		a.log.Fatal("master failed", zap.Error(err))
	}
}

// runWorker rebuilds the endpoints from the inherited descriptors and
// serves until the per-process quota is reached.
func (a *App) runWorker() error {
	nfds, err := strconv.Atoi(os.Getenv(master.EnvWorkerFDs))
	if err != nil || nfds < 1 {
		return fmt.Errorf("bad %s value %q", master.EnvWorkerFDs, os.Getenv(master.EnvWorkerFDs))
	}
	specs := strings.Split(os.Getenv(master.EnvEndpoints), ",")
	if len(specs) != nfds {
		return fmt.Errorf("endpoint specs do not match descriptor count")
	}

	endpoints := make([]*endpoint.Endpoint, 0, nfds)
	for i := 0; i < nfds; i++ {
		f := os.NewFile(uintptr(master.WorkerFDStart+i), specs[i])
		ep, err := endpoint.FromFile(f, specs[i])
		if err != nil {
			return err
		}
		endpoints = append(endpoints, ep)
	}

	return worker.New(a.cfg, a.handler, endpoints, a.log).Run()
}

// maybeDaemonize detaches into the background when configured: re-exec
// with a session of its own and stdio pointed at /dev/null or the error
// log, then exit the foreground process.
func (a *App) maybeDaemonize() {
	if !a.cfg.Daemonize || os.Getenv(envDaemon) != "" {
		return
	}

	exe, err := os.Executable()
	if err != nil {
		a.log.Fatal("daemonize: resolve executable", zap.Error(err))
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		a.log.Fatal("daemonize: open /dev/null", zap.Error(err))
	}
	out := devNull
	if a.cfg.ErrorLog != "" {
		out, err = os.OpenFile(a.cfg.ErrorLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			a.log.Fatal("daemonize: open error log", zap.Error(err))
		}
	}

	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), envDaemon+"=1"),
		Files: []*os.File{devNull, out, out},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		a.log.Fatal("daemonize failed", zap.Error(err))
	}
	proc.Release()
	os.Exit(0)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func newLogger(cfg *config.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.ErrorLog != "" {
		zcfg.OutputPaths = []string{cfg.ErrorLog}
		zcfg.ErrorOutputPaths = []string{cfg.ErrorLog}
	} else {
		zcfg.OutputPaths = []string{"stderr"}
		zcfg.ErrorOutputPaths = []string{"stderr"}
	}
	log, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
