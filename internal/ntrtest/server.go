// Package ntrtest provides a scripted NTR debugger for tests.
// It speaks the wire format on its own, without importing the client, so
// client tests check the bytes against an independent encoding.
package ntrtest

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

const (
	magic      = 0x12345678
	headerSize = 84

	// CmdHeartbeat and the rest mirror the command codes of the protocol.
	CmdHeartbeat = 0
	CmdHello     = 3
	CmdReload    = 4
	CmdMemRead   = 9
	CmdMemWrite  = 10
)

// Packet is a request received from the client.
type Packet struct {
	Magic    uint32
	Sequence uint32
	Type     uint32
	Command  uint32
	Args     [16]uint32
	Data     []byte
}

// Handler is called for every packet a peer receives, on the peer's read
// goroutine.
type Handler func(p *Peer, pkt Packet)

// Server accepts client connections on a loopback port.
type Server struct {
	listener *net.TCPListener
	logger   *slog.Logger
	autoAck  bool
	handler  Handler

	peers chan *Peer

	mu     sync.Mutex
	closed bool
	open   []*Peer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// NoAutoAckOption stops the server from answering heartbeats.
func NoAutoAckOption() ServerOption {
	return func(s *Server) {
		s.autoAck = false
	}
}

// HandlerOption sets a handler run for every received packet.
func HandlerOption(h Handler) ServerOption {
	return func(s *Server) {
		s.handler = h
	}
}

// NewServer starts a server on 127.0.0.1 and closes it when the test ends.
func NewServer(t testing.TB, opts ...ServerOption) *Server {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	s := &Server{
		listener: listener,
		logger:   slog.Default(),
		autoAck:  true,
		peers:    make(chan *Peer, 16),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.serve()
	t.Cleanup(func() { s.Close() })
	return s
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isClosed := s.closed
			s.mu.Unlock()
			if !isClosed {
				s.logger.Debug("ntrtest: accept error", "error", err)
			}
			return
		}

		_ = conn.SetNoDelay(true)
		p := &Peer{
			conn:    conn,
			autoAck: s.autoAck,
			handler: s.handler,
			packets: make(chan Packet, 1024),
			done:    make(chan struct{}),
		}

		s.mu.Lock()
		s.open = append(s.open, p)
		s.mu.Unlock()

		go p.readLoop()
		s.peers <- p
	}
}

// Addr returns the listener address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Accept waits for the next client connection.
func (s *Server) Accept(t testing.TB) *Peer {
	t.Helper()

	select {
	case p := <-s.peers:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client connection")
		return nil
	}
}

// Close stops the listener and drops every open peer.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	open := s.open
	s.open = nil
	s.mu.Unlock()

	for _, p := range open {
		p.Close()
	}
	return s.listener.Close()
}

// Peer is the server side of one client connection.
type Peer struct {
	conn    *net.TCPConn
	autoAck bool
	handler Handler

	writeMu sync.Mutex
	seq     uint32

	packets chan Packet
	done    chan struct{}
}

func (p *Peer) readLoop() {
	defer close(p.done)

	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(p.conn, hdr[:]); err != nil {
			return
		}
		pkt := Packet{
			Magic:    binary.LittleEndian.Uint32(hdr[0:4]),
			Sequence: binary.LittleEndian.Uint32(hdr[4:8]),
			Type:     binary.LittleEndian.Uint32(hdr[8:12]),
			Command:  binary.LittleEndian.Uint32(hdr[12:16]),
		}
		for i := range pkt.Args {
			pkt.Args[i] = binary.LittleEndian.Uint32(hdr[16+4*i:])
		}
		if n := binary.LittleEndian.Uint32(hdr[80:84]); n > 0 {
			pkt.Data = make([]byte, n)
			if _, err := io.ReadFull(p.conn, pkt.Data); err != nil {
				return
			}
		}

		if pkt.Command == CmdHeartbeat && p.autoAck {
			_ = p.Reply(CmdHeartbeat, nil)
		}
		if p.handler != nil {
			p.handler(p, pkt)
		}

		select {
		case p.packets <- pkt:
		default:
		}
	}
}

// Next returns the next packet with command cmd, skipping heartbeats
// unless cmd is CmdHeartbeat.
func (p *Peer) Next(t testing.TB, cmd uint32) Packet {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case pkt := <-p.packets:
			if pkt.Command == CmdHeartbeat && cmd != CmdHeartbeat {
				continue
			}
			if pkt.Command != cmd {
				t.Fatalf("command = %d, want %d", pkt.Command, cmd)
			}
			return pkt
		case <-timeout:
			t.Fatalf("timeout waiting for command %d", cmd)
			return Packet{}
		}
	}
}

// Packets returns every packet received so far, in order, without waiting.
func (p *Peer) Packets() []Packet {
	var out []Packet
	for {
		select {
		case pkt := <-p.packets:
			out = append(out, pkt)
		default:
			return out
		}
	}
}

// Reply sends a packet with a well-formed header followed by payload.
func (p *Peer) Reply(cmd uint32, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.seq++
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], p.seq)
	binary.LittleEndian.PutUint32(hdr[12:16], cmd)
	binary.LittleEndian.PutUint32(hdr[80:84], uint32(len(payload)))

	if _, err := p.conn.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := p.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw writes b to the client verbatim.
func (p *Peer) WriteRaw(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_, err := p.conn.Write(b)
	return err
}

// Close closes the connection from the server side.
func (p *Peer) Close() error {
	err := p.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the client side has gone away.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// ProcessList renders a process-list dump in the debugger's format, ending
// with the end-of-list marker.
func ProcessList(procs ...Proc) string {
	var b []byte
	for _, pr := range procs {
		b = append(b, "pid: 0x"...)
		b = appendHex(b, uint64(pr.PID), 8)
		b = append(b, ", pname: "...)
		b = append(b, pr.Name...)
		b = append(b, ", tid: "...)
		b = appendHex(b, pr.TitleID, 16)
		b = append(b, ", kpobj: fff77a78\n"...)
	}
	b = append(b, "end of process list.\n"...)
	return string(b)
}

// Proc is one process of a rendered list.
type Proc struct {
	PID     uint32
	Name    string
	TitleID uint64
}

func appendHex(b []byte, v uint64, width int) []byte {
	s := strconv.FormatUint(v, 16)
	for i := len(s); i < width; i++ {
		b = append(b, '0')
	}
	return append(b, s...)
}
