package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "lorachat/internal/errors"
	"lorachat/internal/models"
	"lorachat/internal/retry"

	"github.com/sirupsen/logrus"
)

const inboundPath = "/api/inbound"

// ReliableHTTP pushes messages to a peer relay's inbound endpoint.
type ReliableHTTP struct {
	endpoint string
	token    string
	client   *http.Client
	backoff  *retry.Backoff
	logger   *logrus.Logger
}

// NewReliableHTTP builds the adapter for cfg.PeerURL. A nil client gets one with cfg.TimeoutSec.
func NewReliableHTTP(cfg models.ReliableConfig, rc models.RetryConfig, client *http.Client, logger *logrus.Logger) *ReliableHTTP {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}
	}
	return &ReliableHTTP{
		endpoint: strings.TrimSuffix(cfg.PeerURL, "/") + inboundPath,
		token:    cfg.PeerToken,
		client:   client,
		backoff:  retry.NewBackoff(retry.FromConfig(rc)),
		logger:   logger,
	}
}

func (r *ReliableHTTP) Name() string { return models.TransportReliable }

func (r *ReliableHTTP) Deliver(ctx context.Context, msg *models.Message) Outcome {
	body, err := json.Marshal(PeerMessage(msg))
	if err != nil {
		return failed(apperrors.NewTransportError(r.Name(), models.ReasonTransportFailed, err))
	}

	var receipt models.Receipt
	attempt := 0
	err = r.backoff.RetryWithPredicate(ctx, func() error {
		attempt++
		var postErr error
		receipt, postErr = r.post(ctx, body)
		if postErr != nil && attempt > 1 {
			r.logger.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"attempt":    attempt,
				"error":      postErr.Error(),
			}).Debug("Peer delivery attempt failed")
		}
		return postErr
	}, apperrors.IsRetryable)
	if err != nil {
		return failed(apperrors.NewTransportError(r.Name(), models.ReasonTransportFailed, err))
	}

	out := Outcome{OK: true, RemoteID: receipt.ID}
	if receipt.Checksum != "" {
		out.Ack = &Ack{Checksum: receipt.Checksum}
	}
	return out
}

func (r *ReliableHTTP) post(ctx context.Context, body []byte) (models.Receipt, error) {
	var receipt models.Receipt

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return receipt, apperrors.NewPeerError(r.endpoint, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return receipt, ctx.Err()
		}
		return receipt, apperrors.NewPeerError(r.endpoint, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return receipt, apperrors.NewPeerError(r.endpoint, resp.StatusCode,
			fmt.Errorf("peer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&receipt); err != nil && err != io.EOF {
		return receipt, apperrors.NewPeerError(r.endpoint, resp.StatusCode, fmt.Errorf("failed to decode receipt: %w", err))
	}
	return receipt, nil
}
