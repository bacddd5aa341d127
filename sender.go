package ntr

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// deadlineWriter is the outbound half of the socket.
type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// sender serializes every outbound packet. The header and the trailing
// payload of a write are two separate writes, so both happen under mu.
//
// heartbeatSendable lives outside mu so the receiver never waits behind a
// stalled write to acknowledge a heartbeat.
type sender struct {
	mu sync.Mutex
	w  deadlineWriter

	seq               uint32
	lastHeartbeat     time.Time
	heartbeatSendable atomic.Bool

	writeTimeout time.Duration
	logger       Logger
	metrics      *metrics

	// onFail is told about every failed write. A failed write may leave a
	// partial packet on the wire, after which the stream is out of frame.
	onFail func(error)
}

func newSender(w deadlineWriter, opts options) *sender {
	s := &sender{
		w:             w,
		seq:           SequenceStart,
		lastHeartbeat: time.Now(),
		writeTimeout:  opts.writeTimeout,
		logger:        opts.logger,
		metrics:       opts.metrics,
		onFail:        func(error) {},
	}
	s.heartbeatSendable.Store(true)
	return s
}

// sendHello asks the peer for its process list.
func (s *sender) sendHello(ctx context.Context) error {
	return s.send(ctx, PacketTypeRequest, CommandHello, [NumArgs]uint32{}, nil)
}

func (s *sender) sendReload(ctx context.Context) error {
	return s.send(ctx, PacketTypeRequest, CommandReload, [NumArgs]uint32{}, nil)
}

func (s *sender) sendMemRead(ctx context.Context, addr, size, pid uint32) error {
	return s.send(ctx, PacketTypeRequest, CommandMemRead, [NumArgs]uint32{pid, addr, size}, nil)
}

func (s *sender) sendMemWrite(ctx context.Context, addr, pid uint32, data []byte) error {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return errors.Wrapf(ErrInvalidSize, "write of %d bytes", len(data))
	}
	args := [NumArgs]uint32{pid, addr, uint32(len(data))}
	return s.send(ctx, PacketTypeRequestWithData, CommandMemWrite, args, data)
}

func (s *sender) send(ctx context.Context, typ PacketType, cmd Command, args [NumArgs]uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sendLocked(ctx, typ, cmd, args, data)
}

// sendLocked writes one packet. The sequence number advances even when the
// write fails, so numbers are never reused on a connection. A write error is
// reported to onFail before it is returned.
func (s *sender) sendLocked(ctx context.Context, typ PacketType, cmd Command, args [NumArgs]uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.w.SetWriteDeadline(deadline)

	h := Header{
		Magic:      Magic,
		Sequence:   s.seq,
		Type:       typ,
		Command:    cmd,
		Args:       args,
		DataLength: uint32(len(data)),
	}
	s.seq += SequenceStride

	buf := h.Encode()
	if _, err := s.w.Write(buf[:]); err != nil {
		return s.writeFailed(errors.Wrapf(err, "send %s header", cmd), h)
	}
	if len(data) > 0 {
		if _, err := s.w.Write(data); err != nil {
			return s.writeFailed(errors.Wrapf(err, "send %s payload", cmd), h)
		}
	}

	s.metrics.packetSent(cmd, len(data))
	s.logger.Debug("packet sent", "command", cmd, "seq", h.Sequence, "data_length", h.DataLength)
	return nil
}

func (s *sender) writeFailed(err error, h Header) error {
	s.logger.Debug("write error", "command", h.Command, "seq", h.Sequence, "error", err)
	s.onFail(err)
	return err
}

// trySendHeartbeat emits a heartbeat if the previous one was acknowledged and
// at least minInterval has passed since it was sent. It reports whether a
// heartbeat went out. The flag is cleared before the write so an
// acknowledgement can never arrive ahead of it.
func (s *sender) trySendHeartbeat(ctx context.Context, now time.Time, minInterval time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastHeartbeat) < minInterval {
		return false, nil
	}
	if !s.heartbeatSendable.CompareAndSwap(true, false) {
		return false, nil
	}

	if err := s.sendLocked(ctx, PacketTypeRequest, CommandHeartbeat, [NumArgs]uint32{}, nil); err != nil {
		return false, err
	}
	s.lastHeartbeat = now
	s.metrics.heartbeatSent()
	return true, nil
}

// markHeartbeatAcked re-enables the heartbeat loop.
func (s *sender) markHeartbeatAcked() {
	s.heartbeatSendable.Store(true)
}

// nextSequence is the number the next packet will carry.
func (s *sender) nextSequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
