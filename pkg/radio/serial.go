package radio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	serialReadTimeout = 300 * time.Millisecond
	maxInboxFrames    = 1024
)

var serialHeader = [2]byte{0x94, 0xC3}

type opener func(name string, baud int) (io.ReadWriteCloser, error)

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", name, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}
	return port, nil
}

// Serial drives a modem attached to a serial port. Frames are written as
// [0x94 0xC3][u16 BE length][payload]; a background reader buffers inbound frames
// until ReadInbox drains them.
type Serial struct {
	portName string
	baudRate int
	open     opener

	mu      sync.Mutex
	port    io.ReadWriteCloser
	stop    context.CancelFunc
	readErr error
	inbox   [][]byte
	dropped int

	writeMu sync.Mutex
}

func NewSerial(portName string, baudRate int) *Serial {
	return &Serial{portName: portName, baudRate: baudRate, open: openSerial}
}

// Connect opens the port if it is not already open.
func (s *Serial) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.portName == "" {
		return errors.New("serial port is empty")
	}
	if s.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", s.baudRate)
	}

	port, err := s.open(s.portName, s.baudRate)
	if err != nil {
		return err
	}
	readCtx, cancel := context.WithCancel(context.Background())
	s.port = port
	s.stop = cancel
	go s.readLoop(readCtx, port)
	return nil
}

func (s *Serial) Send(ctx context.Context, frame []byte) (SendResult, error) {
	if err := s.Connect(ctx); err != nil {
		return SendResult{}, err
	}
	port, err := s.currentPort()
	if err != nil {
		return SendResult{}, err
	}
	wire, err := encodeSerialFrame(frame)
	if err != nil {
		return SendResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeFull(ctx, port, wire); err != nil {
		s.disconnect(err)
		return SendResult{}, fmt.Errorf("write frame: %w", err)
	}
	return SendResult{}, nil
}

// ReadInbox returns the frames received since the previous call. A broken port is
// reported once and reopened on the next call.
func (s *Serial) ReadInbox(ctx context.Context) ([][]byte, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.inbox
	s.inbox = nil
	err := s.readErr
	s.readErr = nil
	if err != nil && len(frames) == 0 {
		return nil, err
	}
	return frames, nil
}

// Dropped reports how many inbound frames were discarded because the inbox was full.
func (s *Serial) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	s.stop()
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) currentPort() (io.ReadWriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, errors.New("serial port is not connected")
	}
	return s.port, nil
}

func (s *Serial) disconnect(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return
	}
	s.stop()
	_ = s.port.Close()
	s.port = nil
	s.readErr = cause
}

func (s *Serial) readLoop(ctx context.Context, port io.ReadWriteCloser) {
	readFull := func(buf []byte) error { return readFullCtx(ctx, port, buf) }
	for {
		payload, err := readSerialFrame(readFull)
		if err != nil {
			if ctx.Err() == nil {
				s.mu.Lock()
				if s.port == port {
					s.stop()
					_ = s.port.Close()
					s.port = nil
					s.readErr = err
				}
				s.mu.Unlock()
			}
			return
		}

		s.mu.Lock()
		if len(s.inbox) >= maxInboxFrames {
			s.inbox = s.inbox[1:]
			s.dropped++
		}
		s.inbox = append(s.inbox, payload)
		s.mu.Unlock()
	}
}

func encodeSerialFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("invalid payload size: %d", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	frame[0], frame[1] = serialHeader[0], serialHeader[1]
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

func readSerialFrame(readFull func([]byte) error) ([]byte, error) {
	one := make([]byte, 1)
	for synced := false; !synced; {
		if err := readFull(one); err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		if one[0] != serialHeader[0] {
			continue
		}
		if err := readFull(one); err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		synced = one[0] == serialHeader[1]
	}

	var lenBuf [2]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n == 0 {
		return nil, errors.New("invalid frame length: 0")
	}
	payload := make([]byte, n)
	if err := readFull(payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// readFullCtx keeps reading across serial read timeouts, which return (0, nil).
func readFullCtx(ctx context.Context, r io.Reader, buf []byte) error {
	for read := 0; read < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	for written := 0; written < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
