package main

import (
	"net/http"
	"strconv"
	"time"

	"lorachat/internal/auth"
	"lorachat/internal/constants"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/httputil"
	"lorachat/internal/models"
	"lorachat/internal/service"
	"lorachat/internal/validation"

	"github.com/gorilla/mux"
)

type messagePage struct {
	Messages []*models.Message `json:"messages"`
	Cursor   string            `json:"cursor"`
}

type failRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=64"`
}

type checksumResponse struct {
	Checksum string `json:"checksum"`
}

// telemetryRequest is a sample pushed by a probe sidecar. Latency samples carry
// round-trip times in milliseconds.
type telemetryRequest struct {
	Mode      models.SampleMode `json:"mode" validate:"omitempty,oneof=telemetry latency"`
	RSSI      float64           `json:"rssi" validate:"gte=-200,lte=0"`
	SNR       float64           `json:"snr" validate:"gte=-50,lte=50"`
	Gain      float64           `json:"gain"`
	UpRTTMs   int64             `json:"upRttMs" validate:"gte=0"`
	DownRTTMs int64             `json:"downRttMs" validate:"gte=0"`
	At        *time.Time        `json:"at,omitempty"`
}

func (t telemetryRequest) sample() models.TelemetrySample {
	s := models.TelemetrySample{
		Mode:    t.Mode,
		RSSI:    t.RSSI,
		SNR:     t.SNR,
		GainDBi: t.Gain,
		UpRTT:   time.Duration(t.UpRTTMs) * time.Millisecond,
		DownRTT: time.Duration(t.DownRTTMs) * time.Millisecond,
	}
	if s.Mode == "" {
		s.Mode = models.SampleModeTelemetry
	}
	if t.At != nil {
		s.At = t.At.UTC()
	}
	return s
}

func receipt(msg *models.Message, created bool) models.Receipt {
	return models.Receipt{ID: msg.ID, Status: msg.Status, Checksum: msg.Checksum, Created: created}
}

func receiptStatus(created bool) int {
	if created {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.SubmitRequest
		if err := httputil.DecodeJSON(w, r, constants.MaxRequestBytes, &req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}

		identity := auth.IdentityFrom(r.Context())
		switch {
		case req.Sender == "":
			req.Sender = identity
		case identity != auth.Anonymous && req.Sender != identity:
			httputil.WriteError(w, r, s.logger,
				apperrors.NewValidationError("from", req.Sender, "does not match the authenticated identity"))
			return
		}

		msg, created, err := s.relay.Submit(r.Context(), req)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, receiptStatus(created), receipt(msg, created))
	}
}

func (s *Server) handleMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := constants.DefaultListLimit
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				httputil.WriteError(w, r, s.logger, apperrors.NewValidationError("limit", raw, "must be an integer"))
				return
			}
			if err := validation.ValidateNumericRange(n, "limit", 1, constants.MaxListLimit); err != nil {
				httputil.WriteError(w, r, s.logger, err)
				return
			}
			limit = n
		}

		msgs, cursor, err := s.relay.Messages(q.Get("cursor"), limit)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		httputil.WriteJSON(w, http.StatusOK, messagePage{Messages: msgs, Cursor: cursor})
	}
}

func (s *Server) handleMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.relay.Message(mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.relay.Retry(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleFail() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req failRequest
		if r.ContentLength != 0 {
			if err := httputil.DecodeJSON(w, r, constants.MaxRequestBytes, &req); err != nil {
				httputil.WriteError(w, r, s.logger, err)
				return
			}
		}
		if err := validation.Struct(req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		msg, err := s.relay.Fail(r.Context(), mux.Vars(r)["id"], req.Reason)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleConfirm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ConfirmRequest
		if err := httputil.DecodeJSON(w, r, constants.MaxRequestBytes, &req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		if err := validation.Struct(req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		rc, err := s.relay.HandleConfirm(r.Context(), req)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, rc)
	}
}

func (s *Server) handleInbound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in models.InboundMessage
		if err := httputil.DecodeJSON(w, r, constants.MaxRequestBytes, &in); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		if err := validation.Struct(in); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		rc, err := s.relay.HandleReliableInbound(r.Context(), in)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, receiptStatus(rc.Created), rc)
	}
}

func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
		q, err := s.relay.Sync(r.Context(), wait)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		status := http.StatusAccepted
		if wait {
			status = http.StatusOK
		}
		httputil.WriteJSON(w, status, q)
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, s.relay.Status())
	}
}

func (s *Server) handleTelemetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req telemetryRequest
		if err := httputil.DecodeJSON(w, r, constants.MaxRequestBytes, &req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		if err := validation.Struct(req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		sample := req.sample()
		if sample.IsZero() {
			httputil.WriteError(w, r, s.logger, apperrors.NewValidationError("mode", string(sample.Mode), "sample carries no measurement"))
			return
		}
		s.relay.ObserveTelemetry(r.Context(), sample)
		httputil.WriteJSON(w, http.StatusOK, s.relay.Status())
	}
}

func (s *Server) handleChecksum() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from := q.Get("from")
		if from == "" {
			from = auth.IdentityFrom(r.Context())
		}
		body := q.Get("message")

		createdAt, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
		if err != nil {
			httputil.WriteError(w, r, s.logger, apperrors.NewValidationError("timestamp", q.Get("timestamp"), "must be an integer"))
			return
		}
		for _, check := range []error{
			validation.ValidateSender(from),
			validation.ValidateBody(body),
			validation.ValidateCreatedAt(createdAt),
		} {
			if check != nil {
				httputil.WriteError(w, r, s.logger, check)
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, checksumResponse{Checksum: s.relay.Checksum(from, body, createdAt)})
	}
}
