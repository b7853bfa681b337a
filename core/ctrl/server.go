package ctrl

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core/master"
)

// Server answers control commands on the master's admin socket. It only
// reads pool snapshots and raises the master's pending flags; it never
// performs a state transition itself.
type Server struct {
	path string
	m    *master.Master
	log  *zap.Logger
	ln   net.Listener
}

// NewServer builds an admin server for the master at the given socket path.
func NewServer(path string, m *master.Master, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{path: path, m: m, log: log}
}

// Start listens on the admin socket and serves commands in the background.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("admin socket listening", zap.String("path", s.path))
	go s.acceptLoop()
	return nil
}

// Close shuts the admin socket down.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("admin accept failed", zap.Error(err))
			}
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := Recv(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Warn("admin request failed", zap.Error(err))
			}
			return
		}
		resp := s.dispatch(req)
		if err := Send(conn, resp); err != nil {
			s.log.Warn("admin response failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(req *Message) *Message {
	resp := NewMessage(req.Comd, nil)
	switch req.Comd {
	case CmdStatus:
		st := s.m.Status()
		resp.Set("version", config.Version)
		resp.Set("pid", strconv.Itoa(st.PID))
		resp.Set("desired", strconv.Itoa(st.Desired))
		workers := make([]string, 0, len(st.Workers))
		for _, w := range st.Workers {
			workers = append(workers, strconv.Itoa(w.PID)+":"+strconv.FormatInt(w.Spawned.Unix(), 10))
		}
		resp.Set("workers", strings.Join(workers, ","))
		resp.Set("endpoints", strings.Join(st.Endpoints, ","))
	case CmdReload:
		s.m.RequestReload()
	case CmdStop:
		s.m.RequestStop()
	case CmdScaleUp:
		s.m.RequestScaleUp()
	case CmdScaleDown:
		s.m.RequestScaleDown()
	default:
		resp.Flag |= FlagError
		resp.Set("error", "unknown command")
	}
	return resp
}
