package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "lorachat/internal/errors"
	"lorachat/internal/models"
	"lorachat/internal/validation"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subject suffixes under the configured prefix.
const (
	SubjectDeliver = "deliver"
	SubjectInbound = "inbound"
	SubjectConfirm = "confirm"
)

// natsConn is the subset of *nats.Conn the adapter uses.
type natsConn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// InboundFunc stores a message pushed by the peer and returns its receipt.
type InboundFunc func(ctx context.Context, in models.InboundMessage) (models.Receipt, error)

// ConfirmFunc applies a peer confirmation.
type ConfirmFunc func(ctx context.Context, req models.ConfirmRequest) (models.Receipt, error)

type natsReply struct {
	models.Receipt
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// ReliableNATS delivers over NATS request/reply and serves the peer's
// inbound and confirm subjects.
type ReliableNATS struct {
	conn    natsConn
	prefix  string
	timeout time.Duration
	logger  *logrus.Logger
	subs    []*nats.Subscription
}

// DialNATS connects to cfg.NATSURL with reconnects enabled.
func DialNATS(cfg models.ReliableConfig, logger *logrus.Logger) (*ReliableNATS, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("lorachat"),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewReliableNATS(nc, cfg.SubjectPrefix, time.Duration(cfg.TimeoutSec)*time.Second, logger), nil
}

func NewReliableNATS(conn natsConn, prefix string, timeout time.Duration, logger *logrus.Logger) *ReliableNATS {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReliableNATS{conn: conn, prefix: prefix, timeout: timeout, logger: logger}
}

func (n *ReliableNATS) Name() string { return models.TransportReliable }

func (n *ReliableNATS) subject(suffix string) string {
	return n.prefix + "." + suffix
}

func (n *ReliableNATS) Deliver(ctx context.Context, msg *models.Message) Outcome {
	data, err := json.Marshal(PeerMessage(msg))
	if err != nil {
		return failed(apperrors.NewTransportError(n.Name(), models.ReasonTransportFailed, err))
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	resp, err := n.conn.RequestWithContext(ctx, n.subject(SubjectDeliver), data)
	if err != nil {
		return failed(apperrors.NewTransportError(n.Name(), models.ReasonTransportFailed, err))
	}

	var reply natsReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return failed(apperrors.NewTransportError(n.Name(), models.ReasonTransportFailed,
			fmt.Errorf("failed to decode reply: %w", err)))
	}
	if reply.Error != "" {
		return failed(apperrors.NewTransportError(n.Name(), models.ReasonTransportFailed,
			fmt.Errorf("peer rejected message (%s): %s", reply.Code, reply.Error)))
	}

	out := Outcome{OK: true, RemoteID: reply.ID}
	if reply.Checksum != "" {
		out.Ack = &Ack{Checksum: reply.Checksum}
	}
	return out
}

// Serve subscribes to the inbound and confirm subjects. Handlers run with ctx.
func (n *ReliableNATS) Serve(ctx context.Context, onInbound InboundFunc, onConfirm ConfirmFunc) error {
	in, err := n.conn.Subscribe(n.subject(SubjectInbound), func(m *nats.Msg) {
		n.respond(m, n.handleInbound(ctx, m.Data, onInbound))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject(SubjectInbound), err)
	}
	n.subs = append(n.subs, in)

	conf, err := n.conn.Subscribe(n.subject(SubjectConfirm), func(m *nats.Msg) {
		n.respond(m, n.handleConfirm(ctx, m.Data, onConfirm))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject(SubjectConfirm), err)
	}
	n.subs = append(n.subs, conf)

	n.logger.WithField("prefix", n.prefix).Info("Serving peer traffic over NATS")
	return nil
}

func (n *ReliableNATS) handleInbound(ctx context.Context, data []byte, fn InboundFunc) []byte {
	var in models.InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return errorReply(apperrors.NewValidationError("body", "", "invalid JSON"))
	}
	if err := validation.Struct(in); err != nil {
		return errorReply(err)
	}
	in.Transport = models.TransportReliable
	receipt, err := fn(ctx, in)
	if err != nil {
		return errorReply(err)
	}
	return mustJSON(natsReply{Receipt: receipt})
}

func (n *ReliableNATS) handleConfirm(ctx context.Context, data []byte, fn ConfirmFunc) []byte {
	var req models.ConfirmRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorReply(apperrors.NewValidationError("body", "", "invalid JSON"))
	}
	if err := validation.Struct(req); err != nil {
		return errorReply(err)
	}
	receipt, err := fn(ctx, req)
	if err != nil {
		return errorReply(err)
	}
	return mustJSON(natsReply{Receipt: receipt})
}

func (n *ReliableNATS) respond(m *nats.Msg, reply []byte) {
	if m.Reply == "" {
		return
	}
	if err := m.Respond(reply); err != nil {
		n.logger.WithError(err).WithField("subject", m.Subject).Warn("Failed to reply to NATS request")
	}
}

// Close unsubscribes and drains the connection.
func (n *ReliableNATS) Close() error {
	for _, s := range n.subs {
		if s != nil {
			_ = s.Unsubscribe()
		}
	}
	n.subs = nil
	return n.conn.Drain()
}

func errorReply(err error) []byte {
	return mustJSON(natsReply{Error: apperrors.GetUserMessage(err), Code: string(apperrors.GetCode(err))})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal error","code":"INTERNAL_ERROR"}`)
	}
	return b
}
