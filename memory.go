package ntr

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// readExact reads size bytes and rejects a reply of any other length.
func (c *Conn) readExact(ctx context.Context, addr, size, pid uint32) ([]byte, error) {
	data, err := c.MemRead(ctx, addr, size, pid)
	if err != nil {
		return nil, err
	}
	if len(data) != int(size) {
		return nil, errors.Wrapf(ErrInvalidSize, "read at 0x%08x returned %d bytes, want %d", addr, len(data), size)
	}
	return data, nil
}

// ReadUint8 reads one byte at addr.
func (c *Conn) ReadUint8(ctx context.Context, addr, pid uint32) (uint8, error) {
	data, err := c.readExact(ctx, addr, 1, pid)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// ReadUint16 reads a little-endian uint16 at addr.
func (c *Conn) ReadUint16(ctx context.Context, addr, pid uint32) (uint16, error) {
	data, err := c.readExact(ctx, addr, 2, pid)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ReadUint32 reads a little-endian uint32 at addr.
func (c *Conn) ReadUint32(ctx context.Context, addr, pid uint32) (uint32, error) {
	data, err := c.readExact(ctx, addr, 4, pid)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ReadUint64 reads a little-endian uint64 at addr.
func (c *Conn) ReadUint64(ctx context.Context, addr, pid uint32) (uint64, error) {
	data, err := c.readExact(ctx, addr, 8, pid)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (c *Conn) ReadInt8(ctx context.Context, addr, pid uint32) (int8, error) {
	v, err := c.ReadUint8(ctx, addr, pid)
	return int8(v), err
}

func (c *Conn) ReadInt16(ctx context.Context, addr, pid uint32) (int16, error) {
	v, err := c.ReadUint16(ctx, addr, pid)
	return int16(v), err
}

func (c *Conn) ReadInt32(ctx context.Context, addr, pid uint32) (int32, error) {
	v, err := c.ReadUint32(ctx, addr, pid)
	return int32(v), err
}

func (c *Conn) ReadInt64(ctx context.Context, addr, pid uint32) (int64, error) {
	v, err := c.ReadUint64(ctx, addr, pid)
	return int64(v), err
}

// WriteUint8 writes one byte at addr.
func (c *Conn) WriteUint8(ctx context.Context, addr uint32, v uint8, pid uint32) error {
	_, err := c.MemWrite(ctx, addr, []byte{v}, pid)
	return err
}

// WriteUint16 writes v little-endian at addr.
func (c *Conn) WriteUint16(ctx context.Context, addr uint32, v uint16, pid uint32) error {
	_, err := c.MemWrite(ctx, addr, binary.LittleEndian.AppendUint16(nil, v), pid)
	return err
}

// WriteUint32 writes v little-endian at addr.
func (c *Conn) WriteUint32(ctx context.Context, addr uint32, v uint32, pid uint32) error {
	_, err := c.MemWrite(ctx, addr, binary.LittleEndian.AppendUint32(nil, v), pid)
	return err
}

// WriteUint64 writes v little-endian at addr.
func (c *Conn) WriteUint64(ctx context.Context, addr uint32, v uint64, pid uint32) error {
	_, err := c.MemWrite(ctx, addr, binary.LittleEndian.AppendUint64(nil, v), pid)
	return err
}

func (c *Conn) WriteInt8(ctx context.Context, addr uint32, v int8, pid uint32) error {
	return c.WriteUint8(ctx, addr, uint8(v), pid)
}

func (c *Conn) WriteInt16(ctx context.Context, addr uint32, v int16, pid uint32) error {
	return c.WriteUint16(ctx, addr, uint16(v), pid)
}

func (c *Conn) WriteInt32(ctx context.Context, addr uint32, v int32, pid uint32) error {
	return c.WriteUint32(ctx, addr, uint32(v), pid)
}

func (c *Conn) WriteInt64(ctx context.Context, addr uint32, v int64, pid uint32) error {
	return c.WriteUint64(ctx, addr, uint64(v), pid)
}

// ProcessMemory is the memory of one process on the debugger. It implements
// io.ReaderAt and io.WriterAt with offsets as target addresses.
type ProcessMemory struct {
	conn *Conn
	pid  uint32
}

var (
	_ io.ReaderAt = (*ProcessMemory)(nil)
	_ io.WriterAt = (*ProcessMemory)(nil)
)

// Memory returns the memory of process pid.
func (c *Conn) Memory(pid uint32) *ProcessMemory {
	return &ProcessMemory{conn: c, pid: pid}
}

// PID returns the process id the memory belongs to.
func (m *ProcessMemory) PID() uint32 {
	return m.pid
}

// ReadMemory fills buf from addr.
func (m *ProcessMemory) ReadMemory(ctx context.Context, buf []byte, addr uint32) (int, error) {
	if err := checkRange(int64(addr), len(buf)); err != nil {
		return 0, err
	}
	data, err := m.conn.readExact(ctx, addr, uint32(len(buf)), m.pid)
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

// WriteMemory writes data at addr.
func (m *ProcessMemory) WriteMemory(ctx context.Context, addr uint32, data []byte) (int, error) {
	if err := checkRange(int64(addr), len(data)); err != nil {
		return 0, err
	}
	return m.conn.MemWrite(ctx, addr, data, m.pid)
}

func (m *ProcessMemory) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p)); err != nil {
		return 0, err
	}
	return m.ReadMemory(context.Background(), p, uint32(off))
}

func (m *ProcessMemory) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p)); err != nil {
		return 0, err
	}
	return m.WriteMemory(context.Background(), uint32(off), p)
}

// checkRange rejects ranges outside the 32-bit address space.
func checkRange(off int64, n int) error {
	if off < 0 || off+int64(n) > 1<<32 {
		return errors.Wrapf(ErrInvalidSize, "range 0x%x+0x%x outside address space", off, n)
	}
	return nil
}
