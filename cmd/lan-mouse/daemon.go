package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/feschber/lan-mouse/internal/applog"
	"github.com/feschber/lan-mouse/internal/capture"
	"github.com/feschber/lan-mouse/internal/config"
	"github.com/feschber/lan-mouse/internal/emulate"
	"github.com/feschber/lan-mouse/internal/events"
	"github.com/feschber/lan-mouse/internal/ipc"
	"github.com/feschber/lan-mouse/internal/lmerr"
	"github.com/feschber/lan-mouse/internal/ratelimit"
	"github.com/feschber/lan-mouse/internal/registry"
	"github.com/feschber/lan-mouse/internal/resolver"
	"github.com/feschber/lan-mouse/internal/session"
	"github.com/feschber/lan-mouse/internal/transport"
)

const resolveTimeout = 3 * time.Second

// newDaemonCmd wires every task from §5 together: capture-task's
// backend, transport-task's sockets, session-task's Machine, and the
// IPC/status servers session-task's commands flow through. Grounded on
// the teacher's device.NewDevice + IpcListen + RoutineHandshake
// wiring in cmd/wireguard-go/main.go: build each collaborator, bind,
// then run until a signal arrives.
func newDaemonCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
		socketPath string
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the lan-mouse core: capture, forward, and receive input events",
		RunE: func(cmd *cobra.Command, args []string) error {
			runDaemon(configPath, socketPath, statusAddr, verbose)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.toml (defaults to $XDG_CONFIG_HOME/lan-mouse/config.toml)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "control socket path for the connect/list/activate/deactivate/remove subcommands")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "address to serve /api/status and /api/events on, e.g. 127.0.0.1:8765 (disabled if empty)")
	return cmd
}

// exit codes from spec §6.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
	exitFatal       = 3
)

func runDaemon(configPath, socketPath, statusAddr string, verbose bool) {
	log := applog.Default(verbose)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorf("loading config: %v", err)
		os.Exit(exitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid config: %v", err)
		os.Exit(exitConfigError)
	}
	releaseBind, err := config.ResolveScancodes(cfg.ReleaseBind)
	if err != nil {
		log.Errorf("invalid release_bind: %v", err)
		os.Exit(exitConfigError)
	}

	reg := registry.New()
	bus := events.NewBus()
	rl := ratelimit.New()

	// Real capture/emulation backends (wlroots layer-shell, libei, X11,
	// XTest, SendInput, CGEvent, ...) are an external collaborator out
	// of scope (§1); Select still runs its priority-order fallback so
	// the daemon always has something to run against.
	capBackend, err := capture.Select(capture.NewLoopback().Factory())
	if err != nil {
		backendErr := fmt.Errorf("%w: no capture backend available: %v", lmerr.ErrBackend, err)
		log.Errorf("%v", backendErr)
		bus.Publish(events.Event{Kind: events.KindErrorNotice, Peer: -1, Message: backendErr.Error()})
		os.Exit(exitFatal)
	}
	emuBackend, err := emulate.Select(emulate.NewRecorder().Factory())
	if err != nil {
		backendErr := fmt.Errorf("%w: no emulation backend available: %v", lmerr.ErrBackend, err)
		log.Errorf("%v", backendErr)
		bus.Publish(events.Event{Kind: events.KindErrorNotice, Peer: -1, Message: backendErr.Error()})
		os.Exit(exitFatal)
	}
	log.Infof("selected capture backend %q, emulation backend %q", capBackend.Name, emuBackend.Name)

	// The host keyboard layout is itself an external collaborator out
	// of scope (§1); until one is wired in, GetKeymap answers with an
	// empty blob rather than failing the request outright.
	provider := func() []byte { return nil }
	tr := transport.New(log, provider)
	port, err := tr.Listen(cfg.Port)
	if err != nil {
		log.Errorf("binding transport: %v", err)
		os.Exit(exitBindError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)

	m := session.New(session.Config{
		Log:         log,
		Registry:    reg,
		Sender:      tr,
		Keymap:      tr,
		Emulation:   emuBackend,
		Capture:     capBackend,
		Bus:         bus,
		RateLimit:   rl,
		ReleaseBind: releaseBind,
	})

	// Hostname resolution is delegated to this external collaborator
	// (§4.2); its results are folded into registry.Spec.Candidates, and
	// registry never resolves anything itself. Resolved once here, before session-task
	// starts, so no later goroutine needs to mutate the registry.
	res := resolver.NewDNS()
	for i, p := range cfg.Peers {
		edge, err := registry.ParseEdge(p.Position)
		if err != nil {
			// Validate already rejected this; unreachable in practice.
			log.Errorf("peer[%d]: %v", i, err)
			continue
		}
		portForPeer := p.Port
		if portForPeer == 0 {
			portForPeer = transport.DefaultPort
		}
		candidates := p.Addresses()
		if p.Hostname != "" {
			rctx, rcancel := context.WithTimeout(context.Background(), resolveTimeout)
			resolved, err := res.Resolve(rctx, p.Hostname)
			rcancel()
			if err != nil {
				log.Errorf("peer[%d]: resolving %s: %v", i, p.Hostname, err)
			} else {
				candidates = append(candidates, resolved...)
			}
		}
		reply := make(chan session.CommandResult, 1)
		m.HandleCommand(session.Command{
			Kind: session.CmdConnect,
			Spec: registry.Spec{
				Hostname:          p.Hostname,
				Candidates:        candidates,
				Port:              portForPeer,
				Position:          edge,
				ActivateOnStartup: p.ActivateOnStartup,
			},
			Reply: reply,
		})
		if result := <-reply; result.Err != nil {
			log.Errorf("peer[%d]: %v", i, result.Err)
		}
	}

	captureCh, err := capBackend.Open()
	if err != nil {
		log.Errorf("opening capture backend: %v", err)
		os.Exit(exitFatal)
	}

	inboundCh := make(chan session.Datagram, 16)
	go pumpInbound(ctx, tr, inboundCh)

	cmdCh := make(chan session.Command)
	ipcSrv, err := ipc.Listen(socketPath, cmdCh, log)
	if err != nil {
		log.Errorf("binding control socket: %v", err)
		os.Exit(exitBindError)
	}
	go ipcSrv.Serve()

	var statusSrv *ipc.StatusServer
	if statusAddr != "" {
		statusSrv = ipc.NewStatusServer(statusAddr, reg, bus, port)
		statusSrv.Start()
		log.Infof("status API listening on %s", statusAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		cancel()
	}()

	log.Infof("lan-mouse daemon listening on port %d", port)
	m.Run(ctx, captureCh, inboundCh, cmdCh)

	m.Shutdown()
	tr.Close()
	ipcSrv.Close()
	rl.Close()
	if statusSrv != nil {
		statusSrv.Close()
	}
	os.Remove(socketPath)
}

// pumpInbound adapts transport.Datagram onto session.Datagram so
// internal/session never needs to import internal/transport.
func pumpInbound(ctx context.Context, tr *transport.Transport, out chan<- session.Datagram) {
	for {
		select {
		case <-ctx.Done():
			return
		case dg, ok := <-tr.Inbound():
			if !ok {
				return
			}
			select {
			case out <- session.Datagram{Source: dg.Source, Data: dg.Data}:
			case <-ctx.Done():
				return
			}
		}
	}
}
