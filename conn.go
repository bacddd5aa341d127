// Package ntr is a client for the NTR remote debugger protocol.
// It resolves a process id from a title id and reads and writes that
// process's memory over a single TCP connection, while a background loop
// keeps the connection alive with heartbeats.
//
// One connection carries three kinds of replies: heartbeat acknowledgements,
// process-list dumps and memory-read payloads. Replies carry no request id,
// so a Conn allows one outstanding GetPID/ListProcesses and one outstanding
// MemRead at a time; further callers queue behind the first.
package ntr

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrNilConn is returned by NewConn when no connection is given.
var ErrNilConn = errors.New("nil connection")

// Conn is a connection to an NTR debugger.
// It is safe for concurrent use.
type Conn struct {
	rawConn net.Conn
	reader  *bufio.Reader
	sender  *sender
	logger  Logger

	opts options

	memRead     *mailbox
	processList *mailbox

	closed atomic.Bool
	cancel context.CancelFunc
	broken chan error // first failed write
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the debugger on host. The port defaults to DefaultPort
// unless host already names one or PortOption is given.
// A failure to open the socket is returned as *ConnectError.
func Dial(ctx context.Context, host string, opt ...Option) (*Conn, error) {
	opts := buildOptions(opt)

	addr := dialAddr(host, opts.port)
	dialer := net.Dialer{Timeout: opts.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	return newConnWithOptions(raw, opts), nil
}

// dialAddr appends port to host unless host already carries one.
func dialAddr(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// NewConn wraps an established connection and starts its receiver and
// heartbeat loops.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	return newConnWithOptions(conn, buildOptions(opt)), nil
}

func buildOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// newConnWithOptions creates a Conn and starts its loops.
func newConnWithOptions(c net.Conn, opts options) *Conn {
	cc := &Conn{
		rawConn:     c,
		reader:      bufio.NewReader(c),
		sender:      newSender(c, opts),
		logger:      opts.logger,
		opts:        opts,
		memRead:     newMailbox("mem_read"),
		processList: newMailbox("process_list"),
		broken:      make(chan error, 1),
		done:        make(chan struct{}),
	}
	cc.sender.onFail = cc.fail
	cc.start()
	return cc
}

// start runs the receiver and heartbeat loops until a read or write fails or
// the connection is closed.
func (c *Conn) start() {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"heartbeat", c.opts.heartbeat,
		"heartbeat_check", c.opts.heartbeatCheck,
		"write_timeout", c.opts.writeTimeout,
		"request_timeout", c.opts.requestTimeout,
		"idle_timeout", c.opts.idleTimeout,
		"max_read_length", c.opts.maxReadLength)

	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.heartbeatLoop(child)
	})

	// A failed write ends the connection like a failed read does.
	group.Go(func() error {
		select {
		case err := <-c.broken:
			return err
		case <-child.Done():
			return nil
		}
	})

	// Unblocks the receiver's pending read once any loop stops.
	group.Go(func() error {
		<-child.Done()
		_ = c.rawConn.Close()
		return nil
	})

	go func() {
		c.finish(group.Wait())
	}()
}

// fail tears the connection down after a write error. Only the first error
// is kept.
func (c *Conn) fail(err error) {
	select {
	case c.broken <- err:
		if !c.closed.Load() {
			c.logger.Error("write failed, closing connection", "addr", c.Addr(), "error", err)
		}
	default:
	}
}

// finish records why the connection stopped and releases every waiter.
func (c *Conn) finish(err error) {
	if c.closed.Load() {
		err = ErrConnectionClosed
		c.logger.Info("connection closed", "addr", c.Addr())
	} else {
		if err == nil {
			err = io.EOF
		}
		err = &DisconnectError{Cause: err}
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.opts.metrics.disconnected()
	close(c.done)
	c.opts.onDisconnect(err)
}

// Close closes the connection and waits for its loops to stop.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.cancel()
	err := c.rawConn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Done returns a channel that is closed once the connection has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection stopped, or nil while it is running.
// The error is ErrConnectionClosed after Close and a *DisconnectError
// otherwise.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// GetPID returns the pid of the process running titleID. found is false when
// no process matches.
func (c *Conn) GetPID(ctx context.Context, titleID uint64) (pid uint32, found bool, err error) {
	ctx, span := c.startSpan(ctx, "ntr.GetPID")
	defer func() { endSpan(span, err) }()

	text, err := c.processListText(ctx)
	if err != nil {
		return 0, false, err
	}
	pid, found = FindPID(text, titleID)
	return pid, found, nil
}

// ListProcesses returns every process the debugger reports.
func (c *Conn) ListProcesses(ctx context.Context) (procs []Process, err error) {
	ctx, span := c.startSpan(ctx, "ntr.ListProcesses")
	defer func() { endSpan(span, err) }()

	text, err := c.processListText(ctx)
	if err != nil {
		return nil, err
	}
	return ParseProcessList(text), nil
}

func (c *Conn) processListText(ctx context.Context) (string, error) {
	payload, err := c.request(ctx, c.processList, c.sender.sendHello)
	if err != nil {
		return "", errors.Wrap(err, "list processes")
	}
	return string(payload), nil
}

// MemRead reads size bytes at addr in the memory of process pid. The
// returned slice is the payload exactly as the debugger sent it.
func (c *Conn) MemRead(ctx context.Context, addr, size, pid uint32) (data []byte, err error) {
	ctx, span := c.startSpan(ctx, "ntr.MemRead", addrAttr(addr), sizeAttr(int(size)), pidAttr(pid))
	defer func() { endSpan(span, err) }()

	data, err = c.request(ctx, c.memRead, func(ctx context.Context) error {
		return c.sender.sendMemRead(ctx, addr, size, pid)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read 0x%x bytes at 0x%08x", size, addr)
	}
	return data, nil
}

// MemWrite writes data at addr in the memory of process pid and returns the
// number of bytes written. The debugger sends no reply to a write, and a
// write is never retried. A write that fails part way, including one cut
// short by ctx's deadline, ends the connection.
func (c *Conn) MemWrite(ctx context.Context, addr uint32, data []byte, pid uint32) (n int, err error) {
	ctx, span := c.startSpan(ctx, "ntr.MemWrite", addrAttr(addr), sizeAttr(len(data)), pidAttr(pid))
	defer func() { endSpan(span, err) }()

	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if err := c.sender.sendMemWrite(ctx, addr, pid, data); err != nil {
		return 0, errors.Wrapf(err, "write 0x%x bytes at 0x%08x", len(data), addr)
	}
	return len(data), nil
}

// Reload asks the debugger to reload its plugin state. It has no reply.
func (c *Conn) Reload(ctx context.Context) (err error) {
	ctx, span := c.startSpan(ctx, "ntr.Reload")
	defer func() { endSpan(span, err) }()

	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sender.sendReload(ctx)
}

func (c *Conn) checkOpen() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return c.Err()
	default:
		return nil
	}
}

// request sends one packet and waits for the reply routed to mb.
func (c *Conn) request(ctx context.Context, mb *mailbox, send func(context.Context) error) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.opts.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.requestTimeout)
		defer cancel()
	}

	if err := mb.acquire(ctx, c.done); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return nil, c.Err()
		}
		return nil, err
	}
	defer mb.release()

	mb.reset()
	if err := send(ctx); err != nil {
		return nil, err
	}

	select {
	case payload := <-mb.ch:
		return payload, nil
	case <-ctx.Done():
		mb.abandon()
		return nil, ctx.Err()
	case <-c.done:
		// A reply may have landed just before the receiver stopped.
		select {
		case payload := <-mb.ch:
			return payload, nil
		default:
			return nil, c.Err()
		}
	}
}
