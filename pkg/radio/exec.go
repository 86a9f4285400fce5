package radio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxCommandOutput = 1 << 20

// Exec drives the modem through external commands. The send command receives the
// frame as a base64 argument and prints {"ok":bool,"rssi":n,"snr":n,"gain":n,"ack":"..."}.
// The inbox command prints a JSON array of frames, each base64 or a raw legacy text line.
type Exec struct {
	send    []string
	inbox   []string
	timeout time.Duration
}

type execReply struct {
	OK    bool     `json:"ok"`
	RSSI  *float64 `json:"rssi"`
	SNR   *float64 `json:"snr"`
	Gain  float64  `json:"gain"`
	Ack   string   `json:"ack"`
	Error string   `json:"error"`
}

// NewExec splits the configured command lines on whitespace. inboxCommand may be empty.
func NewExec(sendCommand, inboxCommand string, timeout time.Duration) (*Exec, error) {
	send := strings.Fields(sendCommand)
	if len(send) == 0 {
		return nil, errors.New("radio: send command is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Exec{send: send, inbox: strings.Fields(inboxCommand), timeout: timeout}, nil
}

func (e *Exec) Send(ctx context.Context, frame []byte) (SendResult, error) {
	argv := append(append([]string(nil), e.send...), base64.StdEncoding.EncodeToString(frame))
	out, err := e.run(ctx, argv)
	if err != nil {
		return SendResult{}, err
	}

	var reply execReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return SendResult{}, fmt.Errorf("radio: decode driver reply: %w", err)
	}
	if !reply.OK {
		if reply.Error != "" {
			return SendResult{}, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
		}
		return SendResult{}, ErrRejected
	}

	res := SendResult{AckChecksum: strings.TrimSpace(reply.Ack)}
	if reply.RSSI != nil && reply.SNR != nil {
		res.Telemetry = &Telemetry{RSSI: *reply.RSSI, SNR: *reply.SNR, GainDBi: reply.Gain}
	}
	return res, nil
}

func (e *Exec) ReadInbox(ctx context.Context) ([][]byte, error) {
	if len(e.inbox) == 0 {
		return nil, nil
	}
	out, err := e.run(ctx, e.inbox)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}

	var raw []string
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("radio: decode inbox: %w", err)
	}
	frames := make([][]byte, 0, len(raw))
	for _, r := range raw {
		if IsText([]byte(r)) {
			frames = append(frames, []byte(r))
			continue
		}
		b, err := base64.StdEncoding.DecodeString(r)
		if err != nil {
			return nil, fmt.Errorf("radio: inbox frame is neither base64 nor text: %w", err)
		}
		frames = append(frames, b)
	}
	return frames, nil
}

func (e *Exec) Close() error { return nil }

func (e *Exec) run(ctx context.Context, argv []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	name := argv[0]
	cmd := exec.CommandContext(ctx, name, argv[1:]...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxCommandOutput}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: 4096}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("radio: %s: %w", name, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("radio: %s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("radio: %s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// limitedBuffer discards output beyond max bytes.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
