package gossip

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/flock/pkg/log"
)

// Transport sends and receives gossip datagrams.
//
// Sends are fire and forget; they may be silently lost and the protocol
// must tolerate loss. Receive blocks until a datagram arrives or the
// transport is closed, where it returns net.ErrClosed.
type Transport interface {
	Send(addr string, b []byte) error
	Receive() (string, []byte, error)
	Addr() string
	// Drops returns the total number of outbound packets dropped due to a
	// full send queue.
	Drops() uint64
	Close() error
}

type packet struct {
	addr string
	b    []byte
}

// udpTransport is the UDP transport.
//
// Outbound packets go through a bounded queue drained by a writer
// goroutine, so handling an inbound message never blocks on an outbound
// send. Under sustained overload the oldest queued packet is dropped and
// counted rather than blocking.
type udpTransport struct {
	conn net.PacketConn

	sendCh chan packet

	readBuf []byte

	drops *atomic.Uint64

	closed     *atomic.Bool
	shutdownCh chan struct{}

	logger log.Logger
}

const sendQueueDepth = 512

// NewUDPTransport creates a transport bound to the given address.
func NewUDPTransport(
	bindAddr string,
	maxPacketSize int,
	logger log.Logger,
) (Transport, error) {
	conn, err := net.ListenPacket("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen: %s: %w", bindAddr, err)
	}

	t := &udpTransport{
		conn:       conn,
		sendCh:     make(chan packet, sendQueueDepth),
		readBuf:    make([]byte, maxPacketSize),
		drops:      atomic.NewUint64(0),
		closed:     atomic.NewBool(false),
		shutdownCh: make(chan struct{}),
		logger:     logger.WithSubsystem("gossip.transport"),
	}
	go t.writeLoop()
	return t, nil
}

func (t *udpTransport) Send(addr string, b []byte) error {
	p := packet{addr: addr, b: b}
	for {
		select {
		case t.sendCh <- p:
			return nil
		default:
		}

		// Queue full. Drop the oldest queued packet to make room; the
		// protocol self-heals so dropping is preferable to blocking the
		// caller.
		select {
		case <-t.sendCh:
			t.drops.Inc()
			t.logger.Debug("send queue full; dropped oldest packet")
		default:
		}
	}
}

func (t *udpTransport) Receive() (string, []byte, error) {
	n, addr, err := t.conn.ReadFrom(t.readBuf)
	if err != nil {
		return "", nil, err
	}
	// Copy as readBuf is reused by the next read.
	b := make([]byte, n)
	copy(b, t.readBuf[:n])
	return addr.String(), b, nil
}

func (t *udpTransport) Addr() string {
	return t.conn.LocalAddr().String()
}

func (t *udpTransport) Drops() uint64 {
	return t.drops.Load()
}

func (t *udpTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.shutdownCh)
	return t.conn.Close()
}

func (t *udpTransport) writeLoop() {
	for {
		select {
		case p := <-t.sendCh:
			udpAddr, err := net.ResolveUDPAddr("udp", p.addr)
			if err != nil {
				t.logger.Warn(
					"failed to resolve addr",
					zap.String("addr", p.addr),
					zap.Error(err),
				)
				continue
			}
			if _, err := t.conn.WriteTo(p.b, udpAddr); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				t.logger.Debug(
					"failed to write packet",
					zap.String("addr", p.addr),
					zap.Error(err),
				)
			}
		case <-t.shutdownCh:
			return
		}
	}
}

var _ Transport = &udpTransport{}
