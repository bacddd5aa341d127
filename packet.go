package ntr

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Wire constants of the NTR debugger protocol.
const (
	// Magic opens every packet header in both directions.
	Magic uint32 = 0x12345678
	// HeaderSize is the fixed size of a packet header in bytes.
	HeaderSize = 84
	// NumArgs is the number of u32 argument slots in a header.
	NumArgs = 16
	// DefaultPort is the TCP port the debugger listens on.
	DefaultPort = 8000

	// SequenceStart is the sequence number of the first packet on a connection.
	SequenceStart uint32 = 1000
	// SequenceStride is added to the sequence number after every packet.
	SequenceStride uint32 = 1000
)

// ProcessListMarker terminates the text dump sent in reply to a hello packet.
const ProcessListMarker = "end of process list."

// Command selects the operation a packet requests or reports.
type Command uint32

const (
	CommandHeartbeat Command = 0
	CommandHello     Command = 3
	CommandReload    Command = 4
	CommandMemRead   Command = 9
	CommandMemWrite  Command = 10
)

func (c Command) String() string {
	switch c {
	case CommandHeartbeat:
		return "heartbeat"
	case CommandHello:
		return "hello"
	case CommandReload:
		return "reload"
	case CommandMemRead:
		return "mem_read"
	case CommandMemWrite:
		return "mem_write"
	default:
		return "unknown"
	}
}

// PacketType tells the peer whether a payload follows the header.
type PacketType uint32

const (
	PacketTypeRequest         PacketType = 0
	PacketTypeRequestWithData PacketType = 1
)

// Header is the decoded form of the 84-byte packet header.
type Header struct {
	Magic      uint32
	Sequence   uint32
	Type       PacketType
	Command    Command
	Args       [NumArgs]uint32
	DataLength uint32
}

// Encode lays the header out in wire order, little-endian.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte

	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Sequence)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Command))
	for i, arg := range h.Args {
		off := 16 + 4*i
		binary.LittleEndian.PutUint32(buf[off:off+4], arg)
	}
	binary.LittleEndian.PutUint32(buf[80:84], h.DataLength)

	return buf
}

// DecodeHeader is the inverse of Header.Encode. It does not validate the
// magic; that is the receiver's job.
func DecodeHeader(buf [HeaderSize]byte) Header {
	h := Header{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Sequence:   binary.LittleEndian.Uint32(buf[4:8]),
		Type:       PacketType(binary.LittleEndian.Uint32(buf[8:12])),
		Command:    Command(binary.LittleEndian.Uint32(buf[12:16])),
		DataLength: binary.LittleEndian.Uint32(buf[80:84]),
	}
	for i := range h.Args {
		off := 16 + 4*i
		h.Args[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return h
}

// ReadPacket reads one header and its trailing payload from r. A short read
// of the header, including io.EOF on a clean close, is returned unwrapped.
// maxPayload bounds the allocation; zero disables the check.
func ReadPacket(r io.Reader, maxPayload int) (Header, []byte, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, nil, err
	}

	h := DecodeHeader(buf)
	if h.Magic != Magic {
		return h, nil, errors.Wrapf(ErrProtocolDesync, "magic 0x%08x", h.Magic)
	}
	if maxPayload > 0 && uint64(h.DataLength) > uint64(maxPayload) {
		return h, nil, errors.Wrapf(ErrMessageTooLarge, "data length %d", h.DataLength)
	}
	if h.DataLength == 0 {
		return h, nil, nil
	}

	payload := make([]byte, h.DataLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, errors.Wrap(err, "read payload")
	}
	return h, payload, nil
}
