package ntr

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// mailbox is a single-slot handoff from the receiver to the one caller
// waiting for a given response kind. The protocol echoes no request id, so
// slot admits one caller at a time and stale counts replies owed to callers
// that gave up; those replies are discarded when they arrive.
type mailbox struct {
	kind string
	slot chan struct{}

	mu    sync.Mutex
	ch    chan []byte
	stale int
}

func newMailbox(kind string) *mailbox {
	return &mailbox{
		kind: kind,
		slot: make(chan struct{}, 1),
		ch:   make(chan []byte, 1),
	}
}

// acquire reserves the mailbox for one request/response exchange.
func (m *mailbox) acquire(ctx context.Context, done <-chan struct{}) error {
	select {
	case m.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrDisconnected
	}
}

func (m *mailbox) release() {
	<-m.slot
}

// reset drops an unsolicited reply left over from before the request.
func (m *mailbox) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.ch:
	default:
	}
}

// deliver hands payload to the waiting caller. It reports false when the
// payload was discarded.
func (m *mailbox) deliver(payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stale > 0 {
		m.stale--
		return false
	}
	select {
	case m.ch <- payload:
		return true
	default:
		return false
	}
}

// abandon is called by a caller that stops waiting after its request was sent.
func (m *mailbox) abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.ch:
	default:
		m.stale++
	}
}

// readLoop reads packets until the stream ends and routes each payload to
// its mailbox. Any error ends the loop and with it the connection.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.opts.idleTimeout > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		h, payload, err := ReadPacket(c.reader, c.opts.maxReadLength)
		if err != nil {
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			return err
		}

		c.opts.metrics.packetReceived(h.Command, len(payload))
		c.logger.Debug("packet received", "command", h.Command, "seq", h.Sequence, "data_length", h.DataLength)

		if h.Command == CommandHeartbeat {
			c.sender.markHeartbeatAcked()
		}
		c.route(h, payload)
	}
}

// route forwards process-list dumps and memory-read payloads. Everything else
// is dropped.
func (c *Conn) route(h Header, payload []byte) {
	var mb *mailbox
	switch {
	case h.Command == CommandHeartbeat && bytes.Contains(payload, []byte(ProcessListMarker)):
		mb = c.processList
	case h.Command == CommandMemRead:
		mb = c.memRead
	default:
		if len(payload) > 0 {
			c.logger.Debug("payload dropped", "command", h.Command, "data_length", h.DataLength)
		}
		return
	}

	if !mb.deliver(payload) {
		c.opts.metrics.packetDropped(h.Command)
		c.logger.Debug("reply discarded", "kind", mb.kind, "seq", h.Sequence)
	}
}
