// Package worker implements the per-process serving loop: accept one
// connection from the shared listening sockets, handle it to completion,
// count it against the quota, exit cleanly at the quota so the master
// replaces the process.
package worker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core/endpoint"
	"github.com/searchktools/prefork/core/gateway"
	corehttp "github.com/searchktools/prefork/core/http"
	"github.com/searchktools/prefork/core/pools"
)

// Socket reads are fed to the parser in chunks of this size.
const readChunkSize = 64 << 10

// Worker serves connections from endpoints inherited from the master.
// It never restarts itself; replacement is the master's job.
type Worker struct {
	cfg       *config.Config
	handler   gateway.Handler
	endpoints []*endpoint.Endpoint
	log       *zap.Logger

	served int
}

// New builds a worker over the inherited endpoints.
func New(cfg *config.Config, handler gateway.Handler, endpoints []*endpoint.Endpoint, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{cfg: cfg, handler: handler, endpoints: endpoints, log: log}
}

// Served returns the number of connections accounted against the quota.
func (w *Worker) Served() int { return w.served }

// Run accepts and serves connections, strictly one at a time, until the
// quota is reached. A connection is only accepted when the worker is ready
// to serve it, so a worker at its quota never takes another one.
func (w *Worker) Run() error {
	// Termination signals must kill a worker immediately and simply;
	// none of the master's supervision handling applies here.
	signal.Reset(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP,
		unix.SIGTTIN, unix.SIGTTOU)

	w.log.Info("worker started",
		zap.Int("pid", os.Getpid()),
		zap.Int("max_requests", w.cfg.MaxRequests))

	// Every sibling worker polls the same descriptors; the kernel decides
	// which accept wins each connection. Listening sockets must be
	// non-blocking so a lost race returns EAGAIN instead of stalling.
	pfds := make([]unix.PollFd, len(w.endpoints))
	for i, ep := range w.endpoints {
		fd := int(ep.File().Fd())
		if err := unix.SetNonblock(fd, true); err != nil {
			return fmt.Errorf("set nonblocking %s: %w", ep, err)
		}
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	for w.served < w.cfg.MaxRequests {
		conn, err := w.acceptOne(pfds)
		if err != nil {
			return err
		}
		if conn == nil {
			continue
		}
		w.served++
		w.handleConn(conn)
	}

	w.log.Info("worker exiting, max requests reached",
		zap.Int("pid", os.Getpid()),
		zap.Int("served", w.served))
	return nil
}

// acceptOne blocks until one of the shared sockets is readable and tries to
// accept from it. It returns (nil, nil) when the race for the connection was
// lost to a sibling or the wait was interrupted.
func (w *Worker) acceptOne(pfds []unix.PollFd) (net.Conn, error) {
	for i := range pfds {
		pfds[i].Revents = 0
	}

	n, err := unix.Poll(pfds, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poll listeners: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	for i := range pfds {
		if pfds[i].Revents&unix.POLLIN == 0 {
			continue
		}
		nfd, _, err := unix.Accept4(int(pfds[i].Fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if isTransientAccept(err) {
				continue
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		f := os.NewFile(uintptr(nfd), "conn")
		conn, err := net.FileConn(f)
		f.Close()
		if err != nil {
			w.log.Warn("adopt accepted socket failed", zap.Error(err))
			continue
		}
		return conn, nil
	}
	return nil, nil
}

// handleConn reads the socket in fixed-size chunks and feeds the parser.
// Unless keep-alive is disabled, the connection is reused until the peer
// closes it or an error occurs.
func (w *Worker) handleConn(conn net.Conn) {
	defer conn.Close()

	bridge := gateway.NewBridge(conn, w.handler, w.log, w.cfg.ServerToken(), connInfo(conn))
	if w.cfg.DisableKeepAlive {
		bridge.SingleRequest()
	}
	parser := corehttp.NewParser(bridge)

	buf := pools.GetBytes(readChunkSize)
	defer pools.PutBytes(buf)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := parser.Feed(buf[:n]); ferr != nil {
				// A malformed request or a failed handler write closes
				// this connection only. Hitting the single-request limit
				// is a normal hangup, not worth a log line.
				if !errors.Is(ferr, gateway.ErrSingleUseConn) {
					w.log.Warn("connection aborted",
						zap.String("remote", conn.RemoteAddr().String()),
						zap.Error(ferr))
				}
				return
			}
		}
		if err != nil {
			if err != io.EOF && !isPeerGone(err) {
				w.log.Warn("socket read failed",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
			}
			return
		}
		if bridge.CloseRequested() {
			return
		}
	}
}

func connInfo(conn net.Conn) gateway.ConnInfo {
	info := gateway.ConnInfo{Scheme: "http"}
	if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		info.RemoteAddr = host
		info.RemotePort = port
	} else {
		info.RemoteAddr = conn.RemoteAddr().String()
	}
	if host, port, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
		info.ServerName = host
		info.ServerPort = port
	} else {
		info.ServerName = conn.LocalAddr().String()
	}
	return info
}

func isTransientAccept(err error) bool {
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPROTO) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN)
}

func isPeerGone(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
