// Package udp implements the UDP adapter (§4.7 "UDP"): one datagram per
// envelope, no delivery guarantees; a handler may reply or not.
package udp

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/forattini-dev/raffel-sub005/adapter"
)

// maxDatagramSize is the UDP payload ceiling this adapter reads per packet:
// the largest payload a UDP datagram can carry over IPv4 (65535 minus the
// 20-byte IP and 8-byte UDP headers).
const maxDatagramSize = 65507

// Config configures the UDP adapter.
type Config struct {
	Addr string
}

// Adapter serves procedures over UDP datagrams.
type Adapter struct {
	router *raffel.Router
	cfg    Config
	conn   *net.UDPConn
}

// New creates a UDP Adapter dispatching against router.
func New(router *raffel.Router, cfg Config) *Adapter {
	return &Adapter{router: router, cfg: cfg}
}

// Start opens the UDP socket and processes datagrams until Stop closes it.
func (a *Adapter) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", a.cfg.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	a.conn = conn

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		go a.handle(ctx, from, payload)
	}
}

// Stop closes the UDP socket.
func (a *Adapter) Stop(ctx context.Context, grace time.Duration) error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *Adapter) handle(ctx context.Context, from *net.UDPAddr, raw []byte) {
	var envelope raffel.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		a.reply(from, &raffel.Envelope{Type: raffel.TypeError, Payload: adapter.ParseError(err)})
		return
	}
	if envelope.Procedure == "" {
		a.reply(from, &raffel.Envelope{Type: raffel.TypeError, Payload: adapter.InvalidEnvelope("missing procedure")})
		return
	}

	reqCtx := adapter.NewRequestContext(ctx, envelope.Procedure, envelope.Metadata, adapter.DeadlineFromMetadata(envelope.Metadata))
	envelope.Ctx = reqCtx

	result := a.router.Handle(reqCtx, &envelope)

	if result.Stream != nil {
		// Every stream envelope (start, data and terminal) goes out as its
		// own datagram, best-effort: lost or reordered datagrams are neither
		// detected nor resent.
		for env, err := range result.Stream {
			if err != nil {
				return
			}
			a.reply(from, env)
		}
		return
	}

	if result.Envelope != nil {
		a.reply(from, result.Envelope)
	}
}

func (a *Adapter) reply(to *net.UDPAddr, envelope *raffel.Envelope) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	_, _ = a.conn.WriteToUDP(body, to)
}
