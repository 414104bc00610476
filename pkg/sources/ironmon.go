package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// maxIronmonFrame rejects absurd declared lengths before buffering.
const maxIronmonFrame = 1 << 20

// IronmonTCP accepts connections from the IronMON tracker and translates
// its length-prefixed ASCII protocol into ironmon.* envelopes. The wire
// format is "<decimal length> <JSON>" with messages discriminated on
// "type".
type IronmonTCP struct {
	addr   string
	bus    *bus.Bus
	logger *slog.Logger
}

// NewIronmonTCP creates the adapter listening on addr (":8080" style).
func NewIronmonTCP(addr string, b *bus.Bus) *IronmonTCP {
	return &IronmonTCP{
		addr:   addr,
		bus:    b,
		logger: slog.With("component", "ironmon", "addr", addr),
	}
}

// Name implements Adapter.
func (s *IronmonTCP) Name() string { return "ironmon" }

// Run listens until the context is cancelled. Each tracker connection
// gets its own parser so partial reads never bleed across clients.
func (s *IronmonTCP) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	defer ln.Close()
	EmitState(s.bus, s.Name(), StateConnected, nil)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *IronmonTCP) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.logger.Info("Tracker connected", "remote", conn.RemoteAddr())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	parser := &ironmonParser{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.logger.Info("Tracker disconnected", "remote", conn.RemoteAddr())
			return
		}
		for _, msg := range parser.feed(buf[:n]) {
			s.dispatch(msg)
		}
	}
}

func (s *IronmonTCP) dispatch(raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		s.logger.Warn("Dropping malformed tracker message", "error", err)
		return
	}

	var eventType string
	switch head.Type {
	case "init":
		eventType = models.EventIronmonInit
	case "seed":
		eventType = models.EventIronmonSeed
	case "checkpoint":
		eventType = models.EventIronmonCheckpoint
	case "location":
		eventType = models.EventIronmonLocation
	default:
		s.logger.Warn("Dropping tracker message of unknown type", "type", head.Type)
		return
	}

	payload, err := models.DecodePayload(eventType, raw)
	if err != nil {
		s.logger.Warn("Dropping undecodable tracker message", "type", head.Type, "error", err)
		return
	}
	s.bus.Emit(eventType, payload)

	// The tracker's init message names the running game, which drives the
	// show mapping.
	if init, ok := payload.(*models.IronmonInitPayload); ok && init.Game != 0 {
		s.bus.Emit(models.EventGameChanged, &models.GameChangedPayload{GameID: init.Game})
	}
}

// ironmonParser reassembles "<decimal length> <JSON>" frames across
// arbitrary read boundaries. A non-numeric length prefix poisons the
// whole buffer, which is reset so the stream can resynchronize on the
// next message.
type ironmonParser struct {
	buf []byte
}

func (p *ironmonParser) feed(data []byte) [][]byte {
	p.buf = append(p.buf, data...)

	var msgs [][]byte
	for {
		space := bytes.IndexByte(p.buf, ' ')
		if space < 0 {
			if len(p.buf) > 0 && !allDigits(p.buf) {
				p.buf = nil
			}
			return msgs
		}

		length, err := strconv.Atoi(string(p.buf[:space]))
		if err != nil || length <= 0 || length > maxIronmonFrame {
			p.buf = nil
			return msgs
		}

		body := p.buf[space+1:]
		if len(body) < length {
			return msgs // partial; keep for the next read
		}
		msg := make([]byte, length)
		copy(msg, body[:length])
		msgs = append(msgs, msg)
		p.buf = append(p.buf[:0], body[length:]...)
	}
}

func allDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
