package radio

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXORChecksum(t *testing.T) {
	assert.Equal(t, "00", XORChecksum(""))
	assert.Equal(t, "41", XORChecksum("A"))
	assert.Equal(t, "00", XORChecksum("AA"))
	assert.Equal(t, "03", XORChecksum("AB"))
}

func TestParseText_RoundTrip(t *testing.T) {
	in := TextFrame{From: "node1", Message: "Hello", ChunkID: 1, ChunkBatch: 3, Timestamp: 1722250340}
	raw := EncodeText(in)
	assert.True(t, IsText([]byte(raw)))

	out, err := ParseText(raw + "\n")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseText_ChecksumCaseInsensitive(t *testing.T) {
	payload := "from:n|message:hi|chunk_id:1|chunk_batch:1|timestamp:5"
	_, err := ParseText(payload + "*" + strings.ToLower(XORChecksum(payload)))
	assert.NoError(t, err)
}

func TestParseText_Errors(t *testing.T) {
	good := "from:n|message:hi|chunk_id:1|chunk_batch:1|timestamp:5"

	tests := []struct {
		name string
		raw  string
	}{
		{"no delimiter", good},
		{"bad checksum", good + "*ZZ"},
		{"missing field", withSum("from:n|message:hi|chunk_id:1|timestamp:5")},
		{"non numeric id", withSum("from:n|message:hi|chunk_id:x|chunk_batch:1|timestamp:5")},
		{"id beyond batch", withSum("from:n|message:hi|chunk_id:3|chunk_batch:2|timestamp:5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseText(tt.raw)
			assert.Error(t, err)
		})
	}

	_, err := ParseText(good + "*ZZ")
	assert.ErrorIs(t, err, ErrTextChecksum)
}

func TestParseText_MessageWithColon(t *testing.T) {
	f, err := ParseText(withSum("from:n|message:time: 10:30|chunk_id:1|chunk_batch:1|timestamp:5"))
	require.NoError(t, err)
	assert.Equal(t, "time: 10:30", f.Message)
}

func withSum(payload string) string {
	return payload + "*" + XORChecksum(payload)
}
