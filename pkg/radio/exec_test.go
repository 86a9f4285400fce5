package radio

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not available")
	}
	path := filepath.Join(t.TempDir(), "driver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestNewExec_EmptyCommand(t *testing.T) {
	_, err := NewExec("   ", "", time.Second)
	assert.Error(t, err)
}

func TestExecSend_Telemetry(t *testing.T) {
	script := writeScript(t, `echo '{"ok":true,"rssi":-84.5,"snr":6.25,"gain":2,"ack":" 9F3A11C0 "}'`)
	d, err := NewExec(script, "", time.Second)
	require.NoError(t, err)

	res, err := d.Send(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	require.NotNil(t, res.Telemetry)
	assert.Equal(t, -84.5, res.Telemetry.RSSI)
	assert.Equal(t, 6.25, res.Telemetry.SNR)
	assert.Equal(t, 2.0, res.Telemetry.GainDBi)
	assert.Equal(t, "9F3A11C0", res.AckChecksum)
}

func TestExecSend_PassesFrameAsBase64(t *testing.T) {
	out := filepath.Join(t.TempDir(), "arg")
	script := writeScript(t, `printf '%s' "$2" > "$1"; echo '{"ok":true}'`)
	d, err := NewExec(script+" "+out, "", time.Second)
	require.NoError(t, err)

	frame := []byte("frame-bytes")
	res, err := d.Send(context.Background(), frame)
	require.NoError(t, err)
	assert.Nil(t, res.Telemetry)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(frame), string(got))
}

func TestExecSend_Failures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		target error
	}{
		{"rejected", `echo '{"ok":false,"error":"duty cycle"}'`, ErrRejected},
		{"exit status", `echo boom >&2; exit 3`, nil},
		{"garbage", `echo not-json`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewExec(writeScript(t, tt.script), "", time.Second)
			require.NoError(t, err)

			_, err = d.Send(context.Background(), []byte{1})
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestExecSend_Timeout(t *testing.T) {
	d, err := NewExec(writeScript(t, `exec sleep 5`), "", 100*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = d.Send(context.Background(), []byte{1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecReadInbox(t *testing.T) {
	bin := base64.StdEncoding.EncodeToString([]byte{KindAck, 1, 'a', 0})
	text := EncodeText(TextFrame{From: "n", Message: "hi", ChunkID: 1, ChunkBatch: 1, Timestamp: 5})
	script := writeScript(t, `cat <<'JSON'
["`+bin+`", "`+text+`"]
JSON`)

	d, err := NewExec("true", script, time.Second)
	require.NoError(t, err)

	frames, err := d.ReadInbox(context.Background())
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{KindAck, 1, 'a', 0}, frames[0])
	assert.Equal(t, text, string(frames[1]))
}

func TestExecReadInbox_NoCommandOrEmpty(t *testing.T) {
	d, err := NewExec("true", "", time.Second)
	require.NoError(t, err)
	frames, err := d.ReadInbox(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, frames)

	d, err = NewExec("true", writeScript(t, `true`), time.Second)
	require.NoError(t, err)
	frames, err = d.ReadInbox(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, frames)
}

func TestNull(t *testing.T) {
	var d Driver = Null{}
	_, err := d.Send(context.Background(), []byte{1})
	assert.Error(t, err)
	frames, err := d.ReadInbox(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, frames)
	assert.NoError(t, d.Close())
}
