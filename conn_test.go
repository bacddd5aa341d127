package ntr

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/ntr/internal/ntrtest"
)

const testTitleID = 0x0004000000187000

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestConn dials a fresh fake debugger and returns both ends.
func newTestConn(t *testing.T, srvOpts []ntrtest.ServerOption, opts ...Option) (*Conn, *ntrtest.Peer) {
	t.Helper()

	srv := ntrtest.NewServer(t, srvOpts...)
	opts = append([]Option{LoggerOption(discardLogger())}, opts...)

	conn, err := Dial(context.Background(), srv.Addr(), opts...)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn, srv.Accept(t)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// replyTo answers hello with list and memory reads with the read address
// repeated to fill the requested size.
func replyTo(list string) ntrtest.Handler {
	return func(p *ntrtest.Peer, pkt ntrtest.Packet) {
		switch pkt.Command {
		case ntrtest.CmdHello:
			_ = p.Reply(ntrtest.CmdHeartbeat, []byte(list))
		case ntrtest.CmdMemRead:
			data := make([]byte, pkt.Args[2])
			for i := 0; i+4 <= len(data); i += 4 {
				binary.LittleEndian.PutUint32(data[i:], pkt.Args[1])
			}
			_ = p.Reply(ntrtest.CmdMemRead, data)
		}
	}
}

func TestDial_ConnectError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	_, err = Dial(context.Background(), addr, LoggerOption(discardLogger()), DialTimeoutOption(time.Second))

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectError, got %v", err)
	}
	if connErr.Addr != addr {
		t.Errorf("Addr = %q, want %q", connErr.Addr, addr)
	}
}

func TestDialAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"192.168.2.210", DefaultPort, "192.168.2.210:8000"},
		{"192.168.2.210:9000", DefaultPort, "192.168.2.210:9000"},
		{"3ds.local", 8001, "3ds.local:8001"},
		{"::1", DefaultPort, "[::1]:8000"},
	}

	for _, tt := range tests {
		if got := dialAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("dialAddr(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}

	opts := buildOptions(nil)
	if got := dialAddr("10.0.0.2", opts.port); got != "10.0.0.2:8000" {
		t.Errorf("default dial address = %q, want 10.0.0.2:8000", got)
	}
}

func TestDial_PortOption(t *testing.T) {
	srv := ntrtest.NewServer(t)

	conn, err := Dial(context.Background(), "127.0.0.1", LoggerOption(discardLogger()), PortOption(srv.Port()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	srv.Accept(t)
	if got := conn.Addr().(*net.TCPAddr).Port; got != srv.Port() {
		t.Errorf("port = %d, want %d", got, srv.Port())
	}
}

func TestNewConn_Nil(t *testing.T) {
	if _, err := NewConn(nil); err != ErrNilConn {
		t.Errorf("expected ErrNilConn, got %v", err)
	}
}

func TestConn_GetPID(t *testing.T) {
	list := ntrtest.ProcessList(
		ntrtest.Proc{PID: 0x28, Name: "sm", TitleID: 0x0004013000001002},
		ntrtest.Proc{PID: 0xABCD, Name: "mhgen", TitleID: testTitleID},
	)
	conn, peer := newTestConn(t, []ntrtest.ServerOption{ntrtest.HandlerOption(replyTo(list))})

	pid, found, err := conn.GetPID(testContext(t), testTitleID)
	if err != nil {
		t.Fatalf("GetPID failed: %v", err)
	}
	if !found || pid != 0xABCD {
		t.Errorf("GetPID = (0x%x, %v), want (0xabcd, true)", pid, found)
	}

	pkt := peer.Next(t, ntrtest.CmdHello)
	if pkt.Type != 0 || pkt.Args != [16]uint32{} || pkt.Data != nil {
		t.Errorf("hello packet = %+v", pkt)
	}
}

func TestConn_GetPID_NotFound(t *testing.T) {
	list := ntrtest.ProcessList(ntrtest.Proc{PID: 0x28, Name: "sm", TitleID: 0x0004013000001002})
	conn, _ := newTestConn(t, []ntrtest.ServerOption{ntrtest.HandlerOption(replyTo(list))})

	pid, found, err := conn.GetPID(testContext(t), testTitleID)
	if err != nil {
		t.Fatalf("GetPID failed: %v", err)
	}
	if found || pid != 0 {
		t.Errorf("GetPID = (0x%x, %v), want not found", pid, found)
	}
}

func TestConn_ListProcesses(t *testing.T) {
	list := ntrtest.ProcessList(
		ntrtest.Proc{PID: 1, Name: "fs", TitleID: 0x0004013000001102},
		ntrtest.Proc{PID: 2, Name: "game", TitleID: testTitleID},
	)
	conn, _ := newTestConn(t, []ntrtest.ServerOption{ntrtest.HandlerOption(replyTo(list))})

	procs, err := conn.ListProcesses(testContext(t))
	if err != nil {
		t.Fatalf("ListProcesses failed: %v", err)
	}
	want := []Process{
		{PID: 1, Name: "fs", TitleID: 0x0004013000001102},
		{PID: 2, Name: "game", TitleID: testTitleID},
	}
	if len(procs) != len(want) {
		t.Fatalf("procs = %+v, want %+v", procs, want)
	}
	for i := range want {
		if procs[i] != want[i] {
			t.Errorf("procs[%d] = %+v, want %+v", i, procs[i], want[i])
		}
	}
}

func TestConn_MemRead(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	handler := func(p *ntrtest.Peer, pkt ntrtest.Packet) {
		if pkt.Command == ntrtest.CmdMemRead {
			_ = p.Reply(ntrtest.CmdMemRead, payload)
		}
	}
	conn, peer := newTestConn(t, []ntrtest.ServerOption{ntrtest.HandlerOption(handler)})

	got, err := conn.MemRead(testContext(t), 0x1000, 4, 7)
	if err != nil {
		t.Fatalf("MemRead failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("MemRead = % x, want % x", got, payload)
	}

	pkt := peer.Next(t, ntrtest.CmdMemRead)
	want := [16]uint32{7, 0x1000, 4}
	if pkt.Magic != Magic || pkt.Type != 0 || pkt.Args != want || pkt.Data != nil {
		t.Errorf("request = %+v", pkt)
	}
}

func TestConn_MemWrite(t *testing.T) {
	conn, peer := newTestConn(t, nil)
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	n, err := conn.MemWrite(testContext(t), 0x2000, data, 7)
	if err != nil {
		t.Fatalf("MemWrite failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("n = %d, want %d", n, len(data))
	}

	pkt := peer.Next(t, ntrtest.CmdMemWrite)
	want := [16]uint32{7, 0x2000, 4}
	if pkt.Type != 1 || pkt.Args != want {
		t.Errorf("request = %+v", pkt)
	}
	if !bytes.Equal(pkt.Data, data) {
		t.Errorf("payload = % x, want % x", pkt.Data, data)
	}
}

func TestConn_Reload(t *testing.T) {
	conn, peer := newTestConn(t, nil)

	if err := conn.Reload(testContext(t)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	peer.Next(t, ntrtest.CmdReload)
}

func TestConn_SequenceAcrossHeartbeats(t *testing.T) {
	conn, peer := newTestConn(t, nil,
		HeartbeatOption(20*time.Millisecond),
		HeartbeatCheckOption(5*time.Millisecond),
	)
	ctx := testContext(t)

	for i := 0; i < 5; i++ {
		if _, err := conn.MemWrite(ctx, 0x100, []byte{byte(i)}, 1); err != nil {
			t.Fatalf("MemWrite failed: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	conn.Close()
	<-peer.Done()

	pkts := peer.Packets()
	var writes, heartbeats int
	for i, pkt := range pkts {
		want := SequenceStart + uint32(i)*SequenceStride
		if pkt.Sequence != want {
			t.Errorf("packet %d (cmd %d) seq = %d, want %d", i, pkt.Command, pkt.Sequence, want)
		}
		switch pkt.Command {
		case ntrtest.CmdMemWrite:
			writes++
		case ntrtest.CmdHeartbeat:
			heartbeats++
		}
	}
	if writes != 5 {
		t.Errorf("writes = %d, want 5", writes)
	}
	if heartbeats == 0 {
		t.Error("expected heartbeats interleaved with writes")
	}
}

func TestConn_HeartbeatWaitsForAck(t *testing.T) {
	conn, peer := newTestConn(t, []ntrtest.ServerOption{ntrtest.NoAutoAckOption()},
		HeartbeatOption(20*time.Millisecond),
		HeartbeatCheckOption(5*time.Millisecond),
	)

	first := peer.Next(t, ntrtest.CmdHeartbeat)
	time.Sleep(150 * time.Millisecond)
	if extra := peer.Packets(); len(extra) != 0 {
		t.Fatalf("sent %d packets before acknowledgement", len(extra))
	}

	if err := peer.Reply(ntrtest.CmdHeartbeat, nil); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	second := peer.Next(t, ntrtest.CmdHeartbeat)
	if second.Sequence != first.Sequence+SequenceStride {
		t.Errorf("second heartbeat seq = %d, want %d", second.Sequence, first.Sequence+SequenceStride)
	}

	select {
	case <-conn.Done():
		t.Fatalf("connection stopped: %v", conn.Err())
	default:
	}
}

func TestConn_HeartbeatMinInterval(t *testing.T) {
	conn, peer := newTestConn(t, nil,
		HeartbeatOption(100*time.Millisecond),
		HeartbeatCheckOption(10*time.Millisecond),
	)

	time.Sleep(550 * time.Millisecond)
	conn.Close()
	<-peer.Done()

	var heartbeats int
	for _, pkt := range peer.Packets() {
		if pkt.Command == ntrtest.CmdHeartbeat {
			heartbeats++
		}
	}
	if heartbeats < 2 || heartbeats > 5 {
		t.Errorf("heartbeats = %d in 550ms at 100ms spacing", heartbeats)
	}
}

func TestConn_DisconnectReleasesWaiter(t *testing.T) {
	conn, peer := newTestConn(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.MemRead(context.Background(), 0x1000, 4, 7)
		errCh <- err
	}()

	peer.Next(t, ntrtest.CmdMemRead)
	peer.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("MemRead still blocked after peer closed")
	}

	<-conn.Done()
	if !errors.Is(conn.Err(), ErrDisconnected) {
		t.Errorf("Err() = %v, want ErrDisconnected", conn.Err())
	}

	if _, _, err := conn.GetPID(context.Background(), testTitleID); !errors.Is(err, ErrDisconnected) {
		t.Errorf("GetPID after disconnect = %v, want ErrDisconnected", err)
	}
}

func TestConn_PartialWriteEndsConnection(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// The peer accepts and never reads, so a large write fills the socket
	// buffers and stalls part way through its payload.
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := listener.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := Dial(context.Background(), listener.Addr().String(), LoggerOption(discardLogger()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := conn.MemWrite(ctx, 0x2000, make([]byte, 64<<20), 7); err == nil {
		t.Fatal("expected MemWrite to time out")
	}

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection still running after a partial write")
	}

	var discErr *DisconnectError
	if !errors.As(conn.Err(), &discErr) {
		t.Fatalf("Err() = %v, want *DisconnectError", conn.Err())
	}

	if _, err := conn.MemRead(context.Background(), 0x1000, 4, 7); !errors.Is(err, ErrDisconnected) {
		t.Errorf("MemRead after partial write = %v, want ErrDisconnected", err)
	}
}

func TestConn_ProtocolDesync(t *testing.T) {
	var got error
	done := make(chan struct{})
	conn, peer := newTestConn(t, nil, OnDisconnectOption(func(err error) {
		got = err
		close(done)
	}))

	garbage := bytes.Repeat([]byte{0xFF}, HeaderSize)
	if err := peer.WriteRaw(garbage); err != nil {
		t.Fatalf("WriteRaw failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not stop on bad magic")
	}

	if !errors.Is(got, ErrProtocolDesync) || !errors.Is(got, ErrDisconnected) {
		t.Errorf("disconnect error = %v, want protocol desync", got)
	}
	if !errors.Is(conn.Err(), ErrProtocolDesync) {
		t.Errorf("Err() = %v", conn.Err())
	}
}

func TestConn_MemRead_LateReplyDiscarded(t *testing.T) {
	conn, peer := newTestConn(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.MemRead(ctx, 0x1000, 5, 7)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	peer.Next(t, ntrtest.CmdMemRead)

	if err := peer.Reply(ntrtest.CmdMemRead, []byte("stale")); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	ctx2 := testContext(t)
	result := make(chan []byte, 1)
	go func() {
		data, err := conn.MemRead(ctx2, 0x2000, 5, 7)
		if err != nil {
			t.Errorf("MemRead failed: %v", err)
		}
		result <- data
	}()

	peer.Next(t, ntrtest.CmdMemRead)
	if err := peer.Reply(ntrtest.CmdMemRead, []byte("fresh")); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	select {
	case data := <-result:
		if string(data) != "fresh" {
			t.Errorf("MemRead = %q, want %q", data, "fresh")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for MemRead")
	}
}

func TestConn_ConcurrentMemReads(t *testing.T) {
	conn, _ := newTestConn(t, []ntrtest.ServerOption{ntrtest.HandlerOption(replyTo(""))})
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		addr := uint32(0x1000 + i*0x10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				v, err := conn.ReadUint32(ctx, addr, 1)
				if err != nil {
					t.Errorf("ReadUint32 failed: %v", err)
					return
				}
				if v != addr {
					t.Errorf("ReadUint32(0x%x) = 0x%x", addr, v)
				}
			}
		}()
	}
	wg.Wait()
}

func TestConn_UnrelatedPayloadDropped(t *testing.T) {
	list := ntrtest.ProcessList(ntrtest.Proc{PID: 0x99, Name: "game", TitleID: testTitleID})
	conn, peer := newTestConn(t, []ntrtest.ServerOption{ntrtest.HandlerOption(replyTo(list))})

	// Log text on the heartbeat channel without the end marker is not a list.
	if err := peer.Reply(ntrtest.CmdHeartbeat, []byte("patching process\n")); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if err := peer.Reply(42, []byte("unknown")); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	pid, found, err := conn.GetPID(testContext(t), testTitleID)
	if err != nil {
		t.Fatalf("GetPID failed: %v", err)
	}
	if !found || pid != 0x99 {
		t.Errorf("GetPID = (0x%x, %v)", pid, found)
	}
}

func TestConn_Close(t *testing.T) {
	conn, peer := newTestConn(t, nil)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if !conn.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	if conn.Err() != ErrConnectionClosed {
		t.Errorf("Err() = %v, want ErrConnectionClosed", conn.Err())
	}

	if _, err := conn.MemRead(context.Background(), 0, 4, 1); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("MemRead after Close = %v", err)
	}
	if _, err := conn.MemWrite(context.Background(), 0, []byte{1}, 1); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("MemWrite after Close = %v", err)
	}

	select {
	case <-peer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer still connected after Close")
	}
}

func TestConn_CloseReleasesWaiter(t *testing.T) {
	conn, peer := newTestConn(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.MemRead(context.Background(), 0x1000, 4, 7)
		errCh <- err
	}()
	peer.Next(t, ntrtest.CmdMemRead)

	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("MemRead still blocked after Close")
	}
}

func TestConn_MessageTooLarge(t *testing.T) {
	conn, peer := newTestConn(t, nil, MessageMaxSize(8))

	if err := peer.Reply(ntrtest.CmdMemRead, make([]byte, 16)); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not stop on oversized payload")
	}
	if !errors.Is(conn.Err(), ErrMessageTooLarge) {
		t.Errorf("Err() = %v, want ErrMessageTooLarge", conn.Err())
	}
}

func TestConn_IdleTimeout(t *testing.T) {
	conn, _ := newTestConn(t, []ntrtest.ServerOption{ntrtest.NoAutoAckOption()},
		IdleTimeoutOption(50*time.Millisecond),
	)

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not stop when idle")
	}
	var netErr net.Error
	if !errors.As(conn.Err(), &netErr) || !netErr.Timeout() {
		t.Errorf("Err() = %v, want timeout", conn.Err())
	}
}
