package gameserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	queryProcessID   = "pID"
	querySDKVersion  = "sdkVersion"
	querySDKLanguage = "sdkLanguage"
	sdkLanguage      = "Go"

	controlWriteWait = time.Second
)

// eventListener implements eventTransport over a single websocket connection.
// There is no reconnect: once the connection drops the listener is finished.
type eventListener struct {
	wsURL     string
	processID string
	log       zerolog.Logger
	metrics   *metrics

	conn    *websocket.Conn
	started bool       // a dial was claimed; the listener is single use
	mu      sync.Mutex // protects conn, started and handler

	handler func(inboundEvent)

	done     chan struct{}
	readDone chan struct{}
	stopOnce sync.Once
}

func newEventListener(wsURL, processID string, log zerolog.Logger, m *metrics) *eventListener {
	return &eventListener{
		wsURL:     wsURL,
		processID: processID,
		log:       log,
		metrics:   m,
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

func (l *eventListener) endpoint() (string, error) {
	u, err := url.Parse(l.wsURL)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}
	q := u.Query()
	q.Set(queryProcessID, l.processID)
	q.Set(querySDKVersion, Version)
	q.Set(querySDKLanguage, sdkLanguage)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (l *eventListener) connect(ctx context.Context) error {
	endpoint, err := l.endpoint()
	if err != nil {
		return newError(ErrKindLocalConnectionFailed, l.wsURL, err)
	}

	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return newError(ErrKindLocalConnectionFailed, "event channel already opened", nil)
	}
	l.started = true
	l.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		l.mu.Lock()
		l.started = false
		l.mu.Unlock()
		l.log.Error().Err(err).Str("url", l.wsURL).Msg("could not connect to local agent")
		return newError(ErrKindLocalConnectionFailed, l.wsURL, err)
	}

	conn.SetPingHandler(func(appData string) error {
		l.log.Debug().Msg("received ping from local agent")
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetCloseHandler(func(code int, text string) error {
		l.log.Info().Int("code", code).Str("reason", text).Msg("socket disconnected")
		msg := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
		return nil
	})

	l.mu.Lock()
	select {
	case <-l.done:
		// disconnect ran while dialing.
		l.mu.Unlock()
		conn.Close()
		return newError(ErrKindLocalConnectionFailed, "event channel closed while connecting", nil)
	default:
	}
	l.conn = conn
	l.mu.Unlock()

	l.log.Info().Str("url", l.wsURL).Msg("connected to local agent")
	go l.readLoop(conn)
	return nil
}

func (l *eventListener) setEventHandler(fn func(inboundEvent)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

func (l *eventListener) disconnect() error {
	l.stopOnce.Do(func() { close(l.done) })

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	err := conn.Close()

	select {
	case <-l.readDone:
	case <-time.After(controlWriteWait):
		l.log.Warn().Msg("read loop did not stop after disconnect")
	}
	return err
}

// readLoop owns all reads. Frames are handled one at a time, so events reach
// the handler in arrival order.
func (l *eventListener) readLoop(conn *websocket.Conn) {
	defer close(l.readDone)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.log.Info().Err(err).Msg("event channel closed by agent")
				} else {
					l.log.Error().Err(err).Msg("error received from local agent")
				}
			}
			return
		}
		l.handleFrame(msgType, data)
	}
}

func (l *eventListener) handleFrame(msgType int, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("event handler panicked, message dropped")
		}
	}()

	if msgType != websocket.TextMessage {
		l.log.Warn().Int("frame_type", msgType).Int("bytes", len(data)).Msg("unknown data received, dropping")
		l.metrics.recordEvent("binary", "dropped")
		return
	}

	ev, err := parseEnvelope(data)
	if err != nil {
		l.log.Error().Err(err).Int("bytes", len(data)).Msg("could not parse message")
		l.log.Debug().Str("data", string(data)).Msg("unparsable payload")
		l.metrics.recordEvent("malformed", "dropped")
		return
	}
	if u, ok := ev.(unknownEvent); ok {
		l.log.Error().Str("type", u.TypeURL).Msg("unknown message type received")
		l.log.Debug().Str("type", u.TypeURL).Str("data", string(data)).Msg("unknown message payload")
		l.metrics.recordEvent(ev.eventName(), "dropped")
		return
	}

	l.log.Info().Str("event", ev.eventName()).Msg("received event from agent")
	l.log.Debug().Str("event", ev.eventName()).Str("data", string(data)).Msg("event payload")

	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}
