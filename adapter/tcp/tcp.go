// Package tcp implements the length-prefixed TCP adapter (§4.7 "TCP", §6
// "TCP wire format"): a 4-byte big-endian length header followed by one
// JSON envelope per frame.
package tcp

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/forattini-dev/raffel-sub005/adapter"
)

// Config configures the TCP adapter.
type Config struct {
	Addr        string
	MaxFrameLen uint32 // 0 uses adapter.MaxFrameSize
}

// Adapter serves procedures over framed TCP connections (§4.7).
type Adapter struct {
	router   *raffel.Router
	cfg      Config
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a TCP Adapter dispatching against router.
func New(router *raffel.Router, cfg Config) *Adapter {
	if cfg.MaxFrameLen == 0 {
		cfg.MaxFrameLen = adapter.MaxFrameSize
	}
	return &Adapter{router: router, cfg: cfg, conns: make(map[net.Conn]struct{})}
}

// Start listens on cfg.Addr and serves connections until Stop is called or
// the listener errors.
func (a *Adapter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	a.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.conns[conn] = struct{}{}
		a.mu.Unlock()
		go a.serveConn(ctx, conn)
	}
}

// Stop closes the listener immediately (no new connections) and waits up to
// grace for open connections to close on their own before force-closing the
// rest (§4.7 step 7).
func (a *Adapter) Stop(ctx context.Context, grace time.Duration) error {
	if a.listener != nil {
		_ = a.listener.Close()
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		remaining := len(a.conns)
		a.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for conn := range a.conns {
		_ = conn.Close()
	}
	return nil
}

func (a *Adapter) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex

	for {
		envelope, err := readFrame(conn, a.cfg.MaxFrameLen)
		if errors.Is(err, errFrameTooLarge) {
			writeFrame(&writeMu, conn, &raffel.Envelope{Type: raffel.TypeError, Payload: raffel.NewError(raffel.CodeDataLoss, "frame exceeds maximum size")})
			return
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			// Malformed JSON keeps the connection open (§8 boundary
			// behaviour: "Invalid JSON on TCP -> PARSE_ERROR, connection
			// remains open").
			writeFrame(&writeMu, conn, &raffel.Envelope{Type: raffel.TypeError, Payload: adapter.ParseError(err)})
			continue
		}

		if envelope.Procedure == "" {
			writeFrame(&writeMu, conn, &raffel.Envelope{Type: raffel.TypeError, Payload: adapter.InvalidEnvelope("missing procedure")})
			continue
		}

		go a.dispatch(connCtx, conn, &writeMu, envelope)
	}
}

func (a *Adapter) dispatch(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, envelope *raffel.Envelope) {
	reqCtx := adapter.NewRequestContext(ctx, envelope.Procedure, envelope.Metadata, adapter.DeadlineFromMetadata(envelope.Metadata))
	envelope.Ctx = reqCtx

	result := a.router.Handle(reqCtx, envelope)

	if result.Stream != nil {
		for env, err := range result.Stream {
			if err != nil {
				return
			}
			writeFrame(writeMu, conn, env)
			if env.Type == raffel.TypeStreamEnd || env.Type == raffel.TypeStreamError {
				return
			}
		}
		return
	}

	if result.Envelope != nil {
		writeFrame(writeMu, conn, result.Envelope)
	}
}

var errFrameTooLarge = errors.New("tcp: frame exceeds maximum size")

func readFrame(r io.Reader, maxLen uint32) (*raffel.Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxLen {
		return nil, errFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var envelope raffel.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func writeFrame(writeMu *sync.Mutex, w io.Writer, envelope *raffel.Envelope) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	writeMu.Lock()
	defer writeMu.Unlock()
	w.Write(header[:])
	w.Write(body)
}
