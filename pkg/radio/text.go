package radio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TextFrame is one chunk in the legacy line format
// "from:node1|message:Hello|chunk_id:1|chunk_batch:3|timestamp:1722250340*AB".
type TextFrame struct {
	From       string
	Message    string
	ChunkID    int
	ChunkBatch int
	// Timestamp is in Unix seconds.
	Timestamp int64
}

var ErrTextChecksum = errors.New("radio: text frame checksum mismatch")

// XORChecksum folds every byte of payload with XOR and renders it as two hex digits.
func XORChecksum(payload string) string {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum ^= payload[i]
	}
	return fmt.Sprintf("%02X", sum)
}

// IsText reports whether raw looks like a legacy text frame.
func IsText(raw []byte) bool {
	s := string(raw)
	return strings.HasPrefix(s, "from:") && strings.Contains(s, "*")
}

// EncodeText renders f in the legacy format with its trailing checksum.
func EncodeText(f TextFrame) string {
	payload := fmt.Sprintf("from:%s|message:%s|chunk_id:%d|chunk_batch:%d|timestamp:%d",
		f.From, f.Message, f.ChunkID, f.ChunkBatch, f.Timestamp)
	return payload + "*" + XORChecksum(payload)
}

// ParseText validates the checksum and required fields of a legacy frame.
func ParseText(raw string) (TextFrame, error) {
	var f TextFrame

	raw = strings.TrimRight(raw, "\r\n")
	payload, sum, ok := cutLast(raw, "*")
	if !ok {
		return f, fmt.Errorf("radio: text frame has no checksum delimiter")
	}
	if want := XORChecksum(payload); !strings.EqualFold(strings.TrimSpace(sum), want) {
		return f, fmt.Errorf("%w: expected %s, got %s", ErrTextChecksum, want, strings.ToUpper(sum))
	}

	fields := make(map[string]string)
	for _, part := range strings.Split(payload, "|") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	for _, k := range []string{"from", "message", "chunk_id", "chunk_batch", "timestamp"} {
		if _, ok := fields[k]; !ok {
			return f, fmt.Errorf("radio: text frame missing field %s", k)
		}
	}

	var err error
	f.From = fields["from"]
	f.Message = fields["message"]
	if f.ChunkID, err = strconv.Atoi(fields["chunk_id"]); err != nil {
		return f, fmt.Errorf("radio: chunk_id: %w", err)
	}
	if f.ChunkBatch, err = strconv.Atoi(fields["chunk_batch"]); err != nil {
		return f, fmt.Errorf("radio: chunk_batch: %w", err)
	}
	if f.Timestamp, err = strconv.ParseInt(fields["timestamp"], 10, 64); err != nil {
		return f, fmt.Errorf("radio: timestamp: %w", err)
	}
	if f.ChunkBatch < 1 || f.ChunkID < 1 || f.ChunkID > f.ChunkBatch || f.ChunkBatch > 255 {
		return f, fmt.Errorf("radio: bad chunk position %d/%d", f.ChunkID, f.ChunkBatch)
	}
	return f, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
