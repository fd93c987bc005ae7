package gameserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	headerTarget    = "gamelift-target"
	headerProcessID = "gamelift-server-pid"
	headerRequestID = "X-Request-Id"
)

// httpInvoker implements commandTransport over HTTP POST.
type httpInvoker struct {
	url       string
	processID string
	client    *http.Client
	codec     Codec
	log       zerolog.Logger
	metrics   *metrics
}

func newHTTPInvoker(url, processID string, client *http.Client, codec Codec, log zerolog.Logger, m *metrics) *httpInvoker {
	return &httpInvoker{
		url:       url,
		processID: processID,
		client:    client,
		codec:     codec,
		log:       log,
		metrics:   m,
	}
}

func (h *httpInvoker) send(ctx context.Context, cmd command) ([]byte, error) {
	name := cmd.commandName()
	body, err := h.roundTrip(ctx, name, cmd)
	h.metrics.recordCommand(name, err)
	return body, err
}

func (h *httpInvoker) roundTrip(ctx context.Context, name string, cmd command) ([]byte, error) {
	payload, err := h.codec.Marshal(cmd)
	if err != nil {
		return nil, newError(ErrKindServiceCallFailed, "encode "+name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(ErrKindServiceCallFailed, "build request", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(headerTarget, name)
	req.Header.Set(headerProcessID, h.processID)
	req.Header.Set(headerRequestID, requestID)
	req.Header.Set("Content-Type", h.codec.ContentType())
	req.Header.Set("Accept", h.codec.ContentType())

	log := h.log.With().Str("command", name).Str("request_id", requestID).Logger()
	log.Debug().Msg("sending command")

	resp, err := h.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("command transport failed")
		return nil, newError(ErrKindServiceCallFailed, name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(ErrKindServiceCallFailed, "read "+name+" response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	log.Warn().Int("status", resp.StatusCode).Msg("command rejected by agent")
	msg := fmt.Sprintf("%s: agent returned %d", name, resp.StatusCode)
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, newError(ErrKindInternalServiceError, msg, nil)
	}
	// The agent does not report finer-grained errors on this channel.
	return nil, newError(ErrKindBadRequest, msg, nil)
}

func (h *httpInvoker) closeIdleConnections() {
	h.client.CloseIdleConnections()
}
