// Package ipc implements the control-socket protocol the CLI
// subcommands (§6: connect, list, activate, deactivate, remove) speak
// to a running daemon. It mirrors the teacher's UAPI line protocol
// (device/uapi.go's IpcGetOperation/IpcSetOperation/IpcHandle): one
// operation per connection, key=value parameter lines terminated by a
// blank line, and a trailing "errno=N" status line.
package ipc

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/feschber/lan-mouse/internal/applog"
	"github.com/feschber/lan-mouse/internal/lmerr"
	"github.com/feschber/lan-mouse/internal/registry"
	"github.com/feschber/lan-mouse/internal/session"
)

const requestTimeout = 2 * time.Second

// Server accepts one unix-socket connection per CLI invocation.
type Server struct {
	log   *applog.Logger
	ln    net.Listener
	cmdCh chan<- session.Command

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// Listen removes any stale socket left by a crashed prior run (mirrors
// the teacher's own "bind, and a failed bind from a leftover socket is
// a startup error, not a silent hang" posture) and binds socketPath.
func Listen(socketPath string, cmdCh chan<- session.Command, log *applog.Logger) (*Server, error) {
	if _, err := os.Stat(socketPath); err == nil {
		os.Remove(socketPath)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: ipc listen: %v", lmerr.ErrIPC, err)
	}
	return &Server{log: log, ln: ln, cmdCh: cmdCh, closed: make(chan struct{})}, nil
}

// Serve accepts connections until Close is called. Call it from its
// own goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.Errorf("ipc accept error: %v", err)
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(requestTimeout))
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	opLine, err := r.ReadString('\n')
	if err != nil {
		return
	}
	params, err := readParams(r)
	if err != nil {
		writeErrno(w, 1)
		return
	}
	cmd, err := buildCommand(strings.TrimSuffix(opLine, "\n"), params)
	if err != nil {
		s.log.Verbosef("ipc request rejected: %v", err)
		writeErrno(w, 1)
		return
	}

	reply := make(chan session.CommandResult, 1)
	cmd.Reply = reply
	select {
	case s.cmdCh <- cmd:
	case <-time.After(requestTimeout):
		writeErrno(w, 3)
		return
	}
	select {
	case res := <-reply:
		writeResult(w, cmd.Kind, res)
	case <-time.After(requestTimeout):
		writeErrno(w, 3)
	}
}

func readParams(r *bufio.Reader) (map[string]string, error) {
	params := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return params, nil
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed request line %q", lmerr.ErrIPC, line)
		}
		params[k] = v
	}
}

func buildCommand(op string, p map[string]string) (session.Command, error) {
	switch op {
	case "connect=1":
		spec := registry.Spec{
			Hostname:          p["hostname"],
			Port:              parsePortOr(p["port"], 4242),
			Position:          parseEdge(p["position"]),
			ActivateOnStartup: p["activate_on_startup"] == "true",
		}
		if raw := p["ips"]; raw != "" {
			for _, s := range strings.Split(raw, ",") {
				if a, err := netip.ParseAddr(s); err == nil {
					spec.Candidates = append(spec.Candidates, a)
				}
			}
		}
		if spec.Hostname == "" && len(spec.Candidates) == 0 {
			return session.Command{}, fmt.Errorf("%w: connect requires hostname or ips", lmerr.ErrIPC)
		}
		return session.Command{Kind: session.CmdConnect, Spec: spec}, nil
	case "list=1":
		return session.Command{Kind: session.CmdList}, nil
	case "activate=1":
		h, err := parseHandle(p["handle"])
		if err != nil {
			return session.Command{}, err
		}
		return session.Command{Kind: session.CmdActivate, Handle: h}, nil
	case "deactivate=1":
		h, err := parseHandle(p["handle"])
		if err != nil {
			return session.Command{}, err
		}
		return session.Command{Kind: session.CmdDeactivate, Handle: h}, nil
	case "remove=1":
		h, err := parseHandle(p["handle"])
		if err != nil {
			return session.Command{}, err
		}
		return session.Command{Kind: session.CmdRemove, Handle: h}, nil
	default:
		return session.Command{}, fmt.Errorf("%w: unknown ipc operation %q", lmerr.ErrIPC, op)
	}
}

func parseHandle(s string) (registry.Handle, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid handle %q", lmerr.ErrIPC, s)
	}
	return registry.Handle(n), nil
}

func parsePortOr(s string, def uint16) uint16 {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return def
	}
	return uint16(n)
}

func parseEdge(s string) registry.Edge {
	switch s {
	case "right":
		return registry.EdgeRight
	case "top":
		return registry.EdgeTop
	case "bottom":
		return registry.EdgeBottom
	default:
		return registry.EdgeLeft
	}
}

func edgeName(e registry.Edge) string {
	switch e {
	case registry.EdgeRight:
		return "right"
	case registry.EdgeTop:
		return "top"
	case registry.EdgeBottom:
		return "bottom"
	default:
		return "left"
	}
}

func writeErrno(w *bufio.Writer, code int) {
	fmt.Fprintf(w, "errno=%d\n\n", code)
	w.Flush()
}

func writeResult(w *bufio.Writer, kind session.CommandKind, res session.CommandResult) {
	if res.Err != nil {
		fmt.Fprintf(w, "errno=1\nerror=%s\n\n", res.Err)
		w.Flush()
		return
	}
	switch kind {
	case session.CmdConnect:
		fmt.Fprintf(w, "handle=%d\n", res.Handle)
	case session.CmdList:
		for _, p := range res.Peers {
			fmt.Fprintf(w, "handle=%d\n", p.Handle)
			fmt.Fprintf(w, "hostname=%s\n", p.Hostname)
			fmt.Fprintf(w, "position=%s\n", edgeName(p.Position))
			fmt.Fprintf(w, "active=%t\n", p.Active)
			fmt.Fprintf(w, "alive=%t\n", p.Alive)
			if p.Address.IsValid() {
				fmt.Fprintf(w, "address=%s\n", p.Address)
			}
			fmt.Fprintf(w, "rtt_nanos=%d\n", p.RTTEWMANanos)
			fmt.Fprintf(w, "keymap_known=%t\n", p.KeymapKnown)
		}
	}
	fmt.Fprintf(w, "errno=0\n\n")
	w.Flush()
}
