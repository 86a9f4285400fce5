// Package checksum produces the integrity digest attached to every message.
//
// The digest covers a fixed binary encoding of (sender, body, createdAt), so two
// relays agree on it regardless of how a JSON payload orders its fields.
package checksum

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"math"
	"strings"

	"lorachat/internal/constants"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encodingVersion = 1
	keyedDigestLen  = 16
)

// Codec computes and verifies message digests. The zero value is not usable; call New.
type Codec struct {
	key []byte
}

// New returns a CRC-32 codec, or an HMAC-SHA256 codec when secret is non-empty.
func New(secret string) *Codec {
	c := &Codec{}
	if secret != "" {
		c.key = pbkdf2.Key([]byte(secret), []byte(constants.ChecksumKDFSalt), constants.ChecksumKDFIterations, 32, sha256.New)
	}
	return c
}

// Keyed reports whether the codec uses a shared secret.
func (c *Codec) Keyed() bool {
	return len(c.key) > 0
}

// Encode returns the canonical bytes for a message's identity fields.
func Encode(sender, body string, createdAt int64) []byte {
	s := clip(sender)
	b := clip(body)
	buf := make([]byte, 0, 1+2+len(s)+2+len(b)+8)
	buf = append(buf, encodingVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	buf = append(buf, s...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	buf = append(buf, b...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdAt))
	return buf
}

func clip(s string) string {
	if len(s) > math.MaxUint16 {
		return s[:math.MaxUint16]
	}
	return s
}

// Digest returns the upper-case hex digest of data.
func (c *Codec) Digest(data []byte) string {
	if c.Keyed() {
		mac := hmac.New(sha256.New, c.key)
		mac.Write(data)
		return strings.ToUpper(hex.EncodeToString(mac.Sum(nil))[:keyedDigestLen])
	}
	return fmt.Sprintf("%08X", crc32.ChecksumIEEE(data))
}

// Sum is Digest(Encode(sender, body, createdAt)).
func (c *Codec) Sum(sender, body string, createdAt int64) string {
	return c.Digest(Encode(sender, body, createdAt))
}

// SumMessage digests a stored message.
func (c *Codec) SumMessage(m *models.Message) string {
	return c.Sum(m.Sender, m.Body, m.CreatedAt)
}

// Verify checks sum against the message's recomputed digest in constant time.
// Hex case is ignored. A mismatch yields an INTEGRITY AppError.
func (c *Codec) Verify(m *models.Message, sum string) error {
	expected := c.SumMessage(m)
	actual := strings.ToUpper(strings.TrimSpace(sum))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) != 1 {
		return apperrors.NewIntegrityError(m.ID, expected, actual)
	}
	return nil
}
