// Package transport implements C8: one UDP socket for event datagrams
// plus a TCP listener on the same port for the keymap side-channel
// (§4.8). It is grounded on the teacher's device.BindUpdate/BindClose
// shape: bind once, fan inbound packets out to a channel, support a
// cancellation-safe close.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/feschber/lan-mouse/internal/applog"
	"github.com/feschber/lan-mouse/internal/lmerr"
)

const (
	// DefaultPort is the default UDP/TCP port (§6).
	DefaultPort = 4242

	tcpConnectTimeout = 5 * time.Second
	tcpReadTimeout    = 5 * time.Second

	opGetKeymap = 0x01

	maxDatagramSize = 1500
	maxKeymapSize   = 4 << 20 // refuse absurd lengths from a misbehaving peer
)

// Datagram is one inbound UDP packet together with its source address.
type Datagram struct {
	Source netip.AddrPort
	Data   []byte
}

// KeymapProvider returns the local keyboard layout blob to serve over
// the TCP side-channel (§6 GetKeymap response).
type KeymapProvider func() []byte

// Transport owns the UDP socket and TCP listener.
type Transport struct {
	log      *applog.Logger
	provider KeymapProvider

	udp *net.UDPConn
	tcp *net.TCPListener

	inbound chan Datagram

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// New constructs a Transport. Call Listen to bind.
func New(log *applog.Logger, provider KeymapProvider) *Transport {
	return &Transport{
		log:      log,
		provider: provider,
		inbound:  make(chan Datagram, 1024),
		closed:   make(chan struct{}),
	}
}

// Listen binds the UDP socket and TCP listener to the same port on all
// interfaces (§3 invariant: "The UDP port and TCP port are identical;
// both are bound before the capture adapter starts").
func (t *Transport) Listen(port uint16) (uint16, error) {
	udpAddr := &net.UDPAddr{Port: int(port)}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return 0, fmt.Errorf("%w: udp listen: %v", lmerr.ErrTransport, err)
	}
	actual := udp.LocalAddr().(*net.UDPAddr).Port

	tcpAddr := &net.TCPAddr{Port: actual}
	tcp, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udp.Close()
		return 0, fmt.Errorf("%w: tcp listen: %v", lmerr.ErrTransport, err)
	}

	t.udp = udp
	t.tcp = tcp
	return uint16(actual), nil
}

// Inbound returns the channel of received UDP datagrams.
func (t *Transport) Inbound() <-chan Datagram { return t.inbound }

// Start launches the receive loops. Cancel ctx, then call Close, to
// shut down.
func (t *Transport) Start(ctx context.Context) {
	t.wg.Add(2)
	go t.recvUDPLoop(ctx)
	go t.acceptTCPLoop(ctx)
}

func (t *Transport) recvUDPLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.udp.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := t.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.log.Errorf("udp read error: %v", err)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case t.inbound <- Datagram{Source: addr, Data: cp}:
		case <-ctx.Done():
			return
		default:
			// bounded queue overflow: drop oldest by draining one slot
			// then retrying once, per §5 latency-over-completeness policy.
			select {
			case <-t.inbound:
			default:
			}
			select {
			case t.inbound <- Datagram{Source: addr, Data: cp}:
			default:
			}
		}
	}
}

// SendTo transmits a pre-encoded datagram to addr. Non-blocking: a UDP
// write either succeeds immediately or fails immediately, never
// blocks.
func (t *Transport) SendTo(addr netip.AddrPort, data []byte) error {
	_, err := t.udp.WriteToUDPAddrPort(data, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", lmerr.ErrTransport, err)
	}
	return nil
}

func (t *Transport) acceptTCPLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.tcp.SetDeadline(time.Now().Add(500 * time.Millisecond))
		conn, err := t.tcp.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.log.Errorf("tcp accept error: %v", err)
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))

	var op [1]byte
	if _, err := io.ReadFull(conn, op[:]); err != nil {
		t.log.Verbosef("tcp request read failed: %v", err)
		return
	}
	if op[0] != opGetKeymap {
		t.log.Verbosef("tcp request: unknown op %d", op[0])
		return
	}

	payload := t.provider()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	conn.SetWriteDeadline(time.Now().Add(tcpReadTimeout))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.log.Verbosef("tcp response length write failed: %v", err)
		return
	}
	if _, err := conn.Write(payload); err != nil {
		t.log.Verbosef("tcp response body write failed: %v", err)
		return
	}
}

// RequestKeymap dials addr's TCP port, issues GetKeymap, and returns
// the response body. Safe to cancel via ctx at any point; cancelling
// closes the in-flight connection (§4.8 "must be safe to re-issue").
func (t *Transport) RequestKeymap(ctx context.Context, addr netip.AddrPort) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: keymap dial: %v", lmerr.ErrTransport, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	conn.SetDeadline(time.Now().Add(tcpReadTimeout))
	if _, err := conn.Write([]byte{opGetKeymap}); err != nil {
		return nil, fmt.Errorf("%w: keymap request write: %v", lmerr.ErrTransport, err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: keymap length read: %v", lmerr.ErrTransport, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxKeymapSize {
		return nil, fmt.Errorf("%w: keymap too large (%d bytes)", lmerr.ErrProtocol, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("%w: keymap body read: %v", lmerr.ErrTransport, err)
	}
	return body, nil
}

// Close performs a cooperative shutdown, waiting up to 2s for all
// in-flight I/O to finish before returning (§5 shutdown drain bound).
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		if t.udp != nil {
			err = t.udp.Close()
		}
		if t.tcp != nil {
			if e := t.tcp.Close(); e != nil && err == nil {
				err = e
			}
		}
		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.log.Errorf("transport shutdown drain exceeded 2s bound, dropping remaining tasks")
		}
		close(t.closed)
	})
	return err
}
