package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// Frame kinds carried in the first byte of every binary frame.
const (
	KindChunk byte = 0x01
	KindAck   byte = 0x02
)

const (
	envelopeVersion = 1
	chunkHeaderLen  = 7 // kind, batch u32, seq, total

	// DefaultMaxFrame is the largest payload a single LoRa frame may carry.
	DefaultMaxFrame = 240
)

var (
	ErrShortFrame   = errors.New("radio: frame too short")
	ErrUnknownKind  = errors.New("radio: unknown frame kind")
	ErrBadVersion   = errors.New("radio: unsupported envelope version")
	ErrTooManyParts = errors.New("radio: message needs more than 255 frames")
)

// Envelope is one chat message as it travels over the air.
type Envelope struct {
	ID        string
	Sender    string
	Body      string
	CreatedAt int64
	Checksum  string
	// Legacy marks envelopes decoded from text frames, which carry no message checksum.
	Legacy bool
}

// Ack acknowledges receipt of the message with the given id and checksum.
type Ack struct {
	ID       string
	Checksum string
}

// Chunk is one fragment of an encoded envelope.
type Chunk struct {
	Batch uint32
	Seq   uint8 // 1-based
	Total uint8
	Data  []byte
}

// MarshalEnvelope encodes e as
// [version][u8 len id][id][u8 len sender][sender][u16 len body][body][i64 createdAt][u8 len checksum][checksum].
func MarshalEnvelope(e Envelope) ([]byte, error) {
	if len(e.ID) > math.MaxUint8 || len(e.Sender) > math.MaxUint8 || len(e.Checksum) > math.MaxUint8 {
		return nil, fmt.Errorf("radio: envelope field exceeds 255 bytes")
	}
	if len(e.Body) > math.MaxUint16 {
		return nil, fmt.Errorf("radio: body exceeds %d bytes", math.MaxUint16)
	}

	buf := make([]byte, 0, 1+1+len(e.ID)+1+len(e.Sender)+2+len(e.Body)+8+1+len(e.Checksum))
	buf = append(buf, envelopeVersion)
	buf = append(buf, byte(len(e.ID)))
	buf = append(buf, e.ID...)
	buf = append(buf, byte(len(e.Sender)))
	buf = append(buf, e.Sender...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Body)))
	buf = append(buf, e.Body...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.CreatedAt))
	buf = append(buf, byte(len(e.Checksum)))
	buf = append(buf, e.Checksum...)
	return buf, nil
}

// UnmarshalEnvelope is the inverse of MarshalEnvelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	r := reader{buf: b}
	var e Envelope

	if v := r.u8(); r.err == nil && v != envelopeVersion {
		return e, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	e.ID = string(r.bytes(int(r.u8())))
	e.Sender = string(r.bytes(int(r.u8())))
	e.Body = string(r.bytes(int(r.u16())))
	e.CreatedAt = int64(r.u64())
	e.Checksum = string(r.bytes(int(r.u8())))
	if r.err != nil {
		return Envelope{}, r.err
	}
	return e, nil
}

// BatchID derives the reassembly batch number for a message id.
func BatchID(id string) uint32 {
	return crc32.ChecksumIEEE([]byte(id))
}

// Split encodes e and cuts it into frames no larger than maxFrame bytes.
func Split(e Envelope, maxFrame int) ([][]byte, error) {
	if maxFrame <= chunkHeaderLen {
		return nil, fmt.Errorf("radio: max frame %d leaves no room for data", maxFrame)
	}
	payload, err := MarshalEnvelope(e)
	if err != nil {
		return nil, err
	}

	room := maxFrame - chunkHeaderLen
	total := (len(payload) + room - 1) / room
	if total > math.MaxUint8 {
		return nil, ErrTooManyParts
	}

	batch := BatchID(e.ID)
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*room, len(payload))
		part := payload[i*room : end]

		f := make([]byte, chunkHeaderLen, chunkHeaderLen+len(part))
		f[0] = KindChunk
		binary.BigEndian.PutUint32(f[1:5], batch)
		f[5] = byte(i + 1)
		f[6] = byte(total)
		frames = append(frames, append(f, part...))
	}
	return frames, nil
}

// EncodeAck builds an ACK frame.
func EncodeAck(a Ack) ([]byte, error) {
	if len(a.ID) > math.MaxUint8 || len(a.Checksum) > math.MaxUint8 {
		return nil, fmt.Errorf("radio: ack field exceeds 255 bytes")
	}
	buf := []byte{KindAck, byte(len(a.ID))}
	buf = append(buf, a.ID...)
	buf = append(buf, byte(len(a.Checksum)))
	return append(buf, a.Checksum...), nil
}

// Decode classifies a binary frame as a chunk or an ack.
func Decode(frame []byte) (*Chunk, *Ack, error) {
	if len(frame) == 0 {
		return nil, nil, ErrShortFrame
	}
	switch frame[0] {
	case KindChunk:
		if len(frame) < chunkHeaderLen {
			return nil, nil, ErrShortFrame
		}
		c := &Chunk{
			Batch: binary.BigEndian.Uint32(frame[1:5]),
			Seq:   frame[5],
			Total: frame[6],
			Data:  append([]byte(nil), frame[chunkHeaderLen:]...),
		}
		if c.Seq == 0 || c.Total == 0 || c.Seq > c.Total {
			return nil, nil, fmt.Errorf("radio: bad chunk position %d/%d", c.Seq, c.Total)
		}
		return c, nil, nil
	case KindAck:
		r := reader{buf: frame[1:]}
		a := &Ack{}
		a.ID = string(r.bytes(int(r.u8())))
		a.Checksum = string(r.bytes(int(r.u8())))
		if r.err != nil {
			return nil, nil, r.err
		}
		return nil, a, nil
	default:
		return nil, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, frame[0])
	}
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrShortFrame
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
