// Package endpoint resolves and binds the server's listening sockets.
// An endpoint is either a TCP host:port or a filesystem path for a
// UNIX-domain socket. Sockets are created at the descriptor level so the
// configured listen backlog is applied exactly, and every bound endpoint
// can be handed to worker processes as an inherited file.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// EnvServerStarter carries a pre-bound socket from an external supervisor,
// encoded as host=port=fd.
const EnvServerStarter = "SERVER_STARTER_PORT"

var (
	ErrEmptySpec   = errors.New("empty listen spec")
	ErrBadHandoff  = errors.New("malformed " + EnvServerStarter + " value")
	ErrNotResolved = errors.New("listen address did not resolve")
)

// Endpoint is one listening socket. The master owns it; workers share the
// underlying descriptor read-only and never close it.
type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string // host:port, or socket path

	file *os.File
	ln   net.Listener
}

// Parse interprets a listen spec: host:port for TCP, anything without a
// colon is a UNIX socket path.
func Parse(spec string) (*Endpoint, error) {
	if spec == "" {
		return nil, ErrEmptySpec
	}
	if strings.Contains(spec, ":") {
		return &Endpoint{Network: "tcp", Address: spec}, nil
	}
	return &Endpoint{Network: "unix", Address: spec}, nil
}

// Bind creates, binds, and listens the socket with the given backlog.
func (e *Endpoint) Bind(backlog int) error {
	var (
		fd  int
		err error
	)
	switch e.Network {
	case "tcp":
		fd, err = bindTCP(e.Address, backlog)
	case "unix":
		fd, err = bindUnix(e.Address, backlog)
	default:
		err = fmt.Errorf("unknown network %q", e.Network)
	}
	if err != nil {
		return fmt.Errorf("bind %s: %w", e.Address, err)
	}
	return e.adopt(fd)
}

// Inherit adopts a pre-bound descriptor from the supervisor handoff value
// host=port=fd and applies the configured backlog.
func Inherit(value string, backlog int) (*Endpoint, error) {
	parts := strings.SplitN(value, "=", 3)
	if len(parts) != 3 {
		return nil, ErrBadHandoff
	}
	fd, err := strconv.Atoi(parts[2])
	if err != nil || fd < 0 {
		return nil, ErrBadHandoff
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, fmt.Errorf("listen on inherited fd %d: %w", fd, err)
	}
	e := &Endpoint{Network: "tcp", Address: net.JoinHostPort(parts[0], parts[1])}
	if err := e.adopt(fd); err != nil {
		return nil, err
	}
	return e, nil
}

// FromFile rebuilds an endpoint in a worker process from an inherited file.
func FromFile(f *os.File, spec string) (*Endpoint, error) {
	e, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherit listener %s: %w", spec, err)
	}
	e.file = f
	e.ln = ln
	return e, nil
}

func (e *Endpoint) adopt(fd int) error {
	e.file = os.NewFile(uintptr(fd), e.Address)
	ln, err := net.FileListener(e.file)
	if err != nil {
		e.file.Close()
		return fmt.Errorf("listener %s: %w", e.Address, err)
	}
	e.ln = ln
	return nil
}

// Listener returns the accepting listener.
func (e *Endpoint) Listener() net.Listener { return e.ln }

// File returns the descriptor to pass to spawned workers.
func (e *Endpoint) File() *os.File { return e.file }

// Close releases the socket. Only the master calls this, at shutdown.
func (e *Endpoint) Close() error {
	var first error
	if e.ln != nil {
		first = e.ln.Close()
	}
	if e.file != nil {
		if err := e.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.Network == "unix" {
		os.Remove(e.Address)
	}
	return first
}

func (e *Endpoint) String() string {
	return e.Network + "://" + e.Address
}

func bindTCP(address string, backlog int) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrNotResolved, err)
	}

	family := unix.AF_INET
	ip := addr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip.To4())
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func bindUnix(path string, backlog int) (int, error) {
	// Clear a stale socket file; a missing one is fine.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
