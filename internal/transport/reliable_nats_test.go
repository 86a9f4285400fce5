package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "lorachat/internal/errors"
	"lorachat/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNATS struct {
	mu       sync.Mutex
	requests map[string][]byte
	reply    []byte
	err      error
	handlers map[string]nats.MsgHandler
	drained  bool
}

func newFakeNATS() *fakeNATS {
	return &fakeNATS{requests: make(map[string][]byte), handlers: make(map[string]nats.MsgHandler)}
}

func (f *fakeNATS) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[subj] = data
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func (f *fakeNATS) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subj] = cb
	return nil, nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestReliableNATS_Deliver(t *testing.T) {
	conn := newFakeNATS()
	conn.reply = []byte(`{"id":"remote-9","status":"confirmed","checksum":"1A2B3C4D","created":true}`)
	adapter := NewReliableNATS(conn, "lorachat.peer", time.Second, testLogger())

	out := adapter.Deliver(context.Background(), testMessage())

	require.True(t, out.OK)
	assert.Equal(t, "remote-9", out.RemoteID)
	require.NotNil(t, out.Ack)
	assert.Equal(t, "1A2B3C4D", out.Ack.Checksum)

	var sent models.InboundMessage
	require.NoError(t, json.Unmarshal(conn.requests["lorachat.peer.deliver"], &sent))
	assert.Equal(t, "hello over the ridge", sent.Body)
	assert.Equal(t, "01HZX3J7Q8K2M4N6P8R0S2T4V6", sent.ID)
}

func TestReliableNATS_DeliverFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{name: "no responders", err: nats.ErrNoResponders},
		{name: "timeout", err: context.DeadlineExceeded},
		{name: "garbage reply", reply: "not json"},
		{name: "peer rejected", reply: `{"error":"Checksum does not match message content","code":"INTEGRITY"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeNATS()
			conn.reply = []byte(tt.reply)
			conn.err = tt.err
			adapter := NewReliableNATS(conn, "p", 0, testLogger())

			out := adapter.Deliver(context.Background(), testMessage())

			assert.False(t, out.OK)
			assert.True(t, apperrors.Is(out.Err, apperrors.ErrCodeTransport))
			if tt.err != nil {
				assert.ErrorIs(t, out.Err, tt.err)
			}
		})
	}
}

func TestReliableNATS_ServeInbound(t *testing.T) {
	conn := newFakeNATS()
	adapter := NewReliableNATS(conn, "peer", time.Second, testLogger())

	var got models.InboundMessage
	onInbound := func(_ context.Context, in models.InboundMessage) (models.Receipt, error) {
		got = in
		return models.Receipt{ID: "local-1", Status: models.StatusConfirmed, Checksum: in.Checksum, Created: true}, nil
	}
	onConfirm := func(context.Context, models.ConfirmRequest) (models.Receipt, error) {
		return models.Receipt{}, errors.New("unexpected")
	}
	require.NoError(t, adapter.Serve(context.Background(), onInbound, onConfirm))
	assert.Contains(t, conn.handlers, "peer.inbound")
	assert.Contains(t, conn.handlers, "peer.confirm")

	data := []byte(`{"from":"bob","message":"copy that","timestamp":1700000000500,"checksum":"0A0B0C0D"}`)
	conn.handlers["peer.inbound"](&nats.Msg{Subject: "peer.inbound", Data: data})

	assert.Equal(t, "bob", got.Sender)
	assert.Equal(t, models.TransportReliable, got.Transport)

	var reply natsReply
	require.NoError(t, json.Unmarshal(adapter.handleInbound(context.Background(), data, onInbound), &reply))
	assert.Empty(t, reply.Error)
	assert.Equal(t, "local-1", reply.ID)
	assert.True(t, reply.Created)
}

func TestReliableNATS_HandleInboundRejects(t *testing.T) {
	adapter := NewReliableNATS(newFakeNATS(), "peer", time.Second, testLogger())
	called := false
	fn := func(context.Context, models.InboundMessage) (models.Receipt, error) {
		called = true
		return models.Receipt{}, nil
	}

	for _, data := range []string{
		`{bad json`,
		`{"from":"","message":"x","timestamp":1,"checksum":"AB"}`,
		`{"from":"bob","message":"x","timestamp":1,"checksum":"zz"}`,
	} {
		var reply natsReply
		require.NoError(t, json.Unmarshal(adapter.handleInbound(context.Background(), []byte(data), fn), &reply))
		assert.Equal(t, string(apperrors.ErrCodeValidationFailed), reply.Code, data)
	}
	assert.False(t, called)
}

func TestReliableNATS_HandleConfirm(t *testing.T) {
	adapter := NewReliableNATS(newFakeNATS(), "peer", time.Second, testLogger())

	fn := func(_ context.Context, req models.ConfirmRequest) (models.Receipt, error) {
		if req.Checksum != "1A2B3C4D" {
			return models.Receipt{}, apperrors.NewIntegrityError(req.ID, "1A2B3C4D", req.Checksum)
		}
		return models.Receipt{ID: req.ID, Status: models.StatusConfirmed, Checksum: req.Checksum}, nil
	}

	var ok natsReply
	require.NoError(t, json.Unmarshal(adapter.handleConfirm(context.Background(),
		[]byte(`{"id":"m1","checksum":"1A2B3C4D"}`), fn), &ok))
	assert.Equal(t, models.StatusConfirmed, ok.Status)

	var bad natsReply
	require.NoError(t, json.Unmarshal(adapter.handleConfirm(context.Background(),
		[]byte(`{"id":"m1","checksum":"FFFFFFFF"}`), fn), &bad))
	assert.Equal(t, string(apperrors.ErrCodeIntegrity), bad.Code)
	assert.NotEmpty(t, bad.Error)
}

func TestReliableNATS_Close(t *testing.T) {
	conn := newFakeNATS()
	adapter := NewReliableNATS(conn, "peer", time.Second, testLogger())
	require.NoError(t, adapter.Serve(context.Background(),
		func(context.Context, models.InboundMessage) (models.Receipt, error) { return models.Receipt{}, nil },
		func(context.Context, models.ConfirmRequest) (models.Receipt, error) { return models.Receipt{}, nil }))

	require.NoError(t, adapter.Close())
	assert.True(t, conn.drained)
}
