package ipc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/feschber/lan-mouse/internal/events"
	"github.com/feschber/lan-mouse/internal/registry"
)

// PeerStatus is the JSON shape of one peer in the /api/status response,
// adapted from the teacher's webui.go PeerInfo (stripped of every
// WireGuard-specific field: public key, allowed-ips, traffic counters)
// down to what a KVM session actually tracks.
type PeerStatus struct {
	Handle      int    `json:"handle"`
	Hostname    string `json:"hostname"`
	Position    string `json:"position"`
	Address     string `json:"address,omitempty"`
	Active      bool   `json:"active"`
	Alive       bool   `json:"alive"`
	RTTNanos    int64  `json:"rtt_nanos"`
	KeymapKnown bool   `json:"keymap_known"`
}

// StatusResponse is the /api/status JSON body.
type StatusResponse struct {
	Port      uint16       `json:"port"`
	PeerCount int          `json:"peer_count"`
	Peers     []PeerStatus `json:"peers"`
}

// StatusServer exposes /api/status and /api/events (SSE) over HTTP,
// adapted from the teacher's webui.go mux-of-handlers shape but built
// on gorilla/mux and fed from the same events.Bus the core already
// publishes to, instead of re-deriving state from a WireGuard device.
type StatusServer struct {
	reg    *registry.Registry
	bus    *events.Bus
	port   uint16
	router *mux.Router
	server *http.Server
}

// NewStatusServer builds a StatusServer bound to addr.
func NewStatusServer(addr string, reg *registry.Registry, bus *events.Bus, port uint16) *StatusServer {
	s := &StatusServer{reg: reg, bus: bus, port: port, router: mux.NewRouter()}
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	s.server = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start launches the HTTP server in the background.
func (s *StatusServer) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Nothing useful for a status endpoint failure to do beyond
			// giving up; the core itself doesn't depend on it.
			_ = err
		}
	}()
}

// Close shuts the HTTP server down.
func (s *StatusServer) Close() error {
	return s.server.Close()
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	snaps := s.reg.List()
	resp := StatusResponse{Port: s.port, PeerCount: len(snaps), Peers: make([]PeerStatus, 0, len(snaps))}
	for _, p := range snaps {
		ps := PeerStatus{
			Handle:      int(p.Handle),
			Hostname:    p.Hostname,
			Position:    edgeName(p.Position),
			Active:      p.Active,
			Alive:       p.Alive,
			RTTNanos:    p.RTTEWMANanos,
			KeymapKnown: p.KeymapKnown,
		}
		if p.Address.IsValid() {
			ps.Address = p.Address.String()
		}
		resp.Peers = append(resp.Peers, ps)
	}
	json.NewEncoder(w).Encode(resp)
}

// handleEvents streams events.Bus notifications as server-sent events,
// one JSON object per event, until the client disconnects.
func (s *StatusServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, id := s.bus.Subscribe(32)
	defer s.bus.Unsubscribe(id)

	ctx := r.Context()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
