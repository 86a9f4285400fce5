package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSender(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"alice", "a***e"},
		{"KD9XYZ", "K****Z"},
		{"ab", "**"},
		{"a", "*"},
		{"", ""},
		{"żółw", "ż**w"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, MaskSender(test.input), test.input)
	}
}

func TestMaskBody(t *testing.T) {
	assert.Equal(t, "", MaskBody(""))
	assert.Equal(t, "[17 chars]", MaskBody("meet at the ridge"))
	assert.Equal(t, "[3 chars]", MaskBody("żół"))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "***", MaskToken("abc"))
	assert.Equal(t, "********cret", MaskToken("peer-to-secret"[2:]))
}

func TestMaskURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"http://peer:8080/api", "http://peer:8080/api"},
		{"http://u:p@peer:8080/api?k=v", "http://***@peer:8080/api"},
		{"nats://token@broker:4222", "nats://***@broker:4222"},
		{"https://peer/x#frag", "https://peer/x"},
		{"peer/path@v2", "peer/path@v2"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, MaskURL(test.input), test.input)
	}
}

func TestMaskSensitiveFields(t *testing.T) {
	assert.Nil(t, MaskSensitiveFields(nil))

	masked := MaskSensitiveFields(map[string]interface{}{
		"from":       "alice",
		"message":    "hello",
		"peer_token": "supersecret",
		"peer_url":   "http://u:p@peer/api",
		"message_id": "01HZX3J7Q8K2M4N6P8R0S2T4V6",
		"attempt":    3,
		"sender":     42,
	})

	assert.Equal(t, "a***e", masked["from"])
	assert.Equal(t, "[5 chars]", masked["message"])
	assert.Equal(t, "*******cret", masked["peer_token"])
	assert.Equal(t, "http://***@peer/api", masked["peer_url"])
	assert.Equal(t, "01HZX3J7Q8K2M4N6P8R0S2T4V6", masked["message_id"])
	assert.Equal(t, 3, masked["attempt"])
	assert.Equal(t, 42, masked["sender"])
}
