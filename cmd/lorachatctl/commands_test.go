package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lorachat/pkg/client"
	"lorachat/pkg/client/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Send(ctx context.Context, req types.SendRequest) (*types.Receipt, error) {
	args := m.Called(ctx, req)
	if rc := args.Get(0); rc != nil {
		return rc.(*types.Receipt), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Messages(ctx context.Context, cursor string, limit int) (*types.MessagePage, error) {
	args := m.Called(ctx, cursor, limit)
	if p := args.Get(0); p != nil {
		return p.(*types.MessagePage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Retry(ctx context.Context, id string) (*types.Message, error) {
	args := m.Called(ctx, id)
	if msg := args.Get(0); msg != nil {
		return msg.(*types.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Status(ctx context.Context) (*types.Quality, error) {
	args := m.Called(ctx)
	if q := args.Get(0); q != nil {
		return q.(*types.Quality), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Sync(ctx context.Context, wait bool) (*types.Quality, error) {
	args := m.Called(ctx, wait)
	if q := args.Get(0); q != nil {
		return q.(*types.Quality), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Stream(ctx context.Context, fn func(types.Event) error) error {
	return m.Called(ctx, fn).Error(0)
}

func (m *MockClient) StreamWebSocket(ctx context.Context, fn func(types.Event) error) error {
	return m.Called(ctx, fn).Error(0)
}

func executeCommand(t *testing.T, ctx context.Context, c relayClient, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root := newRootCmd(&app{client: c})
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, context.Background(), new(MockClient), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "lorachatctl dev")
}

func TestSendCommand(t *testing.T) {
	c := new(MockClient)
	c.On("Send", mock.Anything, types.SendRequest{Message: "hello over the air", Timestamp: 1700000000000}).
		Return(&types.Receipt{ID: "01HX", Status: types.StatusPending, Checksum: "ABCD", Created: true}, nil)

	out, err := executeCommand(t, context.Background(), c, "send", "--timestamp", "1700000000000", "hello", "over", "the", "air")
	require.NoError(t, err)
	assert.Contains(t, out, "01HX")
	assert.Contains(t, out, "pending")
	assert.NotContains(t, out, "already known")
	c.AssertExpectations(t)
}

func TestSendCommandDuplicateJSON(t *testing.T) {
	c := new(MockClient)
	c.On("Send", mock.Anything, types.SendRequest{Message: "hi"}).
		Return(&types.Receipt{ID: "01HX", Status: types.StatusConfirmed, Checksum: "ABCD"}, nil)

	out, err := executeCommand(t, context.Background(), c, "-o", "json", "send", "hi")
	require.NoError(t, err)

	var rc types.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &rc))
	assert.Equal(t, types.StatusConfirmed, rc.Status)
	assert.False(t, rc.Created)
}

func TestSendCommandErrors(t *testing.T) {
	_, err := executeCommand(t, context.Background(), new(MockClient), "send")
	assert.Error(t, err, "a message is required")

	c := new(MockClient)
	c.On("Send", mock.Anything, mock.Anything).Return(nil, &client.APIError{StatusCode: 400, Code: "INTEGRITY", Message: "checksum mismatch"})
	_, err = executeCommand(t, context.Background(), c, "send", "--checksum", "BEEF", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send message")
}

func TestMessagesCommand(t *testing.T) {
	c := new(MockClient)
	c.On("Messages", mock.Anything, "", 2).Return(&types.MessagePage{
		Messages: []types.Message{
			{ID: "01A", From: "alice", Message: "one", Timestamp: 1000, Status: types.StatusConfirmed},
			{ID: "01B", From: "bob", Message: "two", Timestamp: 2000, Status: types.StatusError, Reason: "transport-failed"},
		},
		Cursor: "2000:01B",
	}, nil).Once()
	c.On("Messages", mock.Anything, "2000:01B", 2).Return(&types.MessagePage{
		Messages: []types.Message{{ID: "01C", From: "alice", Message: "three", Timestamp: 3000, Status: types.StatusSent}},
		Cursor:   "3000:01C",
	}, nil).Once()

	out, err := executeCommand(t, context.Background(), c, "messages", "--all", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "error (transport-failed)")
	assert.Contains(t, out, "01C")
	assert.Contains(t, out, "Next cursor: 3000:01C")
	c.AssertExpectations(t)
}

func TestMessagesCommandSinglePage(t *testing.T) {
	c := new(MockClient)
	c.On("Messages", mock.Anything, "5:01Z", 50).Return(&types.MessagePage{}, nil).Once()

	out, err := executeCommand(t, context.Background(), c, "messages", "--cursor", "5:01Z")
	require.NoError(t, err)
	assert.Contains(t, out, "No messages.")

	_, err = executeCommand(t, context.Background(), c, "messages", "--limit", "0")
	assert.Error(t, err)
	c.AssertExpectations(t)
}

func TestStatusCommandYAML(t *testing.T) {
	rssi := -92.5
	c := new(MockClient)
	c.On("Status", mock.Anything).Return(&types.Quality{LinkTier: "fair", RSSI: &rssi, QueueDepth: 3, Busy: true}, nil)

	out, err := executeCommand(t, context.Background(), c, "status", "-o", "yaml")
	require.NoError(t, err)

	var q types.Quality
	require.NoError(t, yaml.Unmarshal([]byte(out), &q))
	assert.Equal(t, "fair", q.LinkTier)
	assert.Equal(t, 3, q.QueueDepth)
	require.NotNil(t, q.RSSI)
	assert.InDelta(t, -92.5, *q.RSSI, 0.001)
	assert.Contains(t, out, "linkTier: fair")
}

func TestStatusCommandTable(t *testing.T) {
	c := new(MockClient)
	c.On("Status", mock.Anything).Return(&types.Quality{LinkTier: "good", RadioState: "closed"}, nil)

	out, err := executeCommand(t, context.Background(), c, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "LINK:")
	assert.Contains(t, out, "good")
	assert.Contains(t, out, "closed")
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := executeCommand(t, context.Background(), new(MockClient), "status", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestRetryCommand(t *testing.T) {
	c := new(MockClient)
	c.On("Retry", mock.Anything, "01A").Return(&types.Message{ID: "01A", From: "alice", Message: "again", Status: types.StatusPending}, nil)
	c.On("Retry", mock.Anything, "01B").Return(nil, &client.APIError{StatusCode: 409, Code: "INVALID_TRANSITION", Message: "not retryable"})

	out, err := executeCommand(t, context.Background(), c, "retry", "01A")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	_, err = executeCommand(t, context.Background(), c, "retry", "01B")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "01B")

	_, err = executeCommand(t, context.Background(), c, "retry")
	assert.Error(t, err)
}

func TestSyncCommand(t *testing.T) {
	c := new(MockClient)
	c.On("Sync", mock.Anything, true).Return(&types.Quality{LinkTier: "good"}, nil).Once()

	out, err := executeCommand(t, context.Background(), c, "sync", "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUE:")
	c.AssertExpectations(t)
}

func TestWatchCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := new(MockClient)
	c.On("Messages", mock.Anything, "", 100).Return(&types.MessagePage{}, nil)
	c.On("Status", mock.Anything).Return(&types.Quality{LinkTier: "good"}, nil)
	c.On("Stream", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		fn := args.Get(1).(func(types.Event) error)
		_ = fn(types.Event{Type: types.EventMessage, Message: &types.Message{
			ID: "01A", From: "bob", Message: "yo", Timestamp: 1000, Status: types.StatusSent, Direction: "inbound",
		}})
		_ = fn(types.Event{Type: types.EventConfirm, At: time.Now(), Confirm: &types.Confirm{ID: "01A", Status: types.StatusConfirmed}})
		cancel()
	}).Return(context.Canceled)

	out, err := executeCommand(t, ctx, c, "watch", "--identity", "alice")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "# link=good queue=0 busy=false", lines[0])
	assert.Contains(t, lines[1], "< ")
	assert.Contains(t, lines[1], "bob: yo [sent]")
	assert.Equal(t, "~ 01A confirmed", lines[2])
	c.AssertNotCalled(t, "StreamWebSocket", mock.Anything, mock.Anything)
}

func TestWatchCommandRejectsBadInterval(t *testing.T) {
	_, err := executeCommand(t, context.Background(), new(MockClient), "watch", "--interval", "0s")
	assert.Error(t, err)
}

func TestDescribeRender(t *testing.T) {
	tests := []struct {
		name   string
		render client.Render
		want   string
	}{
		{"own message", client.Render{Kind: client.RenderAppend, Entry: client.Entry{From: "alice", Message: "hi", Status: types.StatusPending, Mine: true}}, "> - alice: hi [pending]"},
		{"failure", client.Render{Kind: client.RenderUpdate, Entry: client.Entry{ID: "01A", Status: types.StatusError, Reason: "confirmation-timeout"}}, "~ 01A error (confirmation-timeout)"},
		{"resync", client.Render{Kind: client.RenderResync}, "# missed events, resynchronising"},
		{"nothing", client.Render{Kind: client.RenderNone}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeRender(tt.render))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
