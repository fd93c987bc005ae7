package gameserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

const testTypePrefix = "type.googleapis.com/com.amazon.whitewater.auxproxy.pbuffer."

// receivedCommand is one request seen on the mock agent's command endpoint.
type receivedCommand struct {
	Name      string
	ProcessID string
	RequestID string
	Body      []byte
}

type mockResponse struct {
	status int
	body   string
}

// mockAgent simulates the local agent: "/ws" is the event channel, every
// other path is the command channel.
type mockAgent struct {
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conn      *websocket.Conn
	conns     int
	query     url.Values
	commands  []receivedCommand
	responses map[string]mockResponse
	onPong    func(string)

	connected chan struct{}
	once      sync.Once
}

func newMockAgent(t *testing.T) (*mockAgent, *httptest.Server) {
	t.Helper()
	a := &mockAgent{
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		responses: make(map[string]mockResponse),
		connected: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleEvents)
	mux.HandleFunc("/", a.handleCommand)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return a, server
}

func commandURLFor(server *httptest.Server) string {
	return server.URL + "/"
}

func eventURLFor(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func (a *mockAgent) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.conn = conn
	a.conns++
	a.query = r.URL.Query()
	a.mu.Unlock()
	conn.SetPongHandler(func(data string) error {
		a.mu.Lock()
		fn := a.onPong
		a.mu.Unlock()
		if fn != nil {
			fn(data)
		}
		return nil
	})
	a.once.Do(func() { close(a.connected) })

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (a *mockAgent) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	name := r.Header.Get(headerTarget)

	a.mu.Lock()
	a.commands = append(a.commands, receivedCommand{
		Name:      name,
		ProcessID: r.Header.Get(headerProcessID),
		RequestID: r.Header.Get(headerRequestID),
		Body:      body,
	})
	resp, ok := a.responses[name]
	a.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(resp.status)
	io.WriteString(w, resp.body)
}

func (a *mockAgent) respond(name string, status int, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[name] = mockResponse{status: status, body: body}
}

func (a *mockAgent) received(name string) []receivedCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []receivedCommand
	for _, c := range a.commands {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (a *mockAgent) connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns
}

func (a *mockAgent) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-a.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event channel connection")
	}
}

func (a *mockAgent) push(t *testing.T, msgType int, data string) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		t.Fatal("push before the client connected")
	}
	if err := a.conn.WriteMessage(msgType, []byte(data)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func envelope(t *testing.T, messageType string, fields map[string]any) string {
	t.Helper()
	inner := map[string]any{"@type": testTypePrefix + messageType}
	for k, v := range fields {
		inner[k] = v
	}
	data, err := json.Marshal(map[string]any{"innerMessage": inner})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(data)
}

func newTestListener(server *httptest.Server) *eventListener {
	return newEventListener(eventURLFor(server), "4242", zerolog.Nop(), newMetrics(nil))
}

func TestEventListener_Connect_QueryParameters(t *testing.T) {
	agent, server := newMockAgent(t)
	l := newTestListener(server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.connect(ctx); err != nil {
		t.Fatalf("connect() error: %v", err)
	}
	defer l.disconnect()
	agent.waitConnected(t)

	agent.mu.Lock()
	q := agent.query
	agent.mu.Unlock()

	if got := q.Get("pID"); got != "4242" {
		t.Errorf("pID = %q, want %q", got, "4242")
	}
	if got := q.Get("sdkVersion"); got != Version {
		t.Errorf("sdkVersion = %q, want %q", got, Version)
	}
	if got := q.Get("sdkLanguage"); got != "Go" {
		t.Errorf("sdkLanguage = %q, want %q", got, "Go")
	}
}

func TestEventListener_Connect_Failure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	l := newEventListener(wsURL, "1", zerolog.Nop(), newMetrics(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.connect(ctx)
	if err == nil {
		t.Fatal("connect() to a closed server should fail")
	}
	if kind, _ := KindOf(err); kind != ErrKindLocalConnectionFailed {
		t.Errorf("kind = %v, want %v", kind, ErrKindLocalConnectionFailed)
	}
}

func TestEventListener_DispatchesEventsInOrder(t *testing.T) {
	agent, server := newMockAgent(t)
	l := newTestListener(server)

	events := make(chan inboundEvent, 4)
	l.setEventHandler(func(ev inboundEvent) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.connect(ctx); err != nil {
		t.Fatalf("connect() error: %v", err)
	}
	defer l.disconnect()
	agent.waitConnected(t)

	agent.push(t, websocket.TextMessage, envelope(t, "ActivateGameSession", map[string]any{
		"gameSession": map[string]any{"gameSessionId": "sess-1", "maxPlayers": 8},
	}))
	agent.push(t, websocket.TextMessage, envelope(t, "UpdateGameSession", map[string]any{
		"gameSession":      map[string]any{"gameSessionId": "sess-1"},
		"updateReason":     "BACKFILL_FAILED",
		"backfillTicketId": "ticket-9",
	}))
	agent.push(t, websocket.TextMessage, envelope(t, "TerminateProcess", map[string]any{
		"terminationTime": "1700000000000",
	}))

	want := []string{"ActivateGameSession", "UpdateGameSession", "TerminateProcess"}
	for i, name := range want {
		select {
		case ev := <-events:
			if ev.eventName() != name {
				t.Errorf("event %d = %s, want %s", i, ev.eventName(), name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event %d (%s)", i, name)
		}
	}
}

func TestEventListener_MalformedFrameDoesNotStopListener(t *testing.T) {
	agent, server := newMockAgent(t)
	l := newTestListener(server)

	events := make(chan inboundEvent, 4)
	l.setEventHandler(func(ev inboundEvent) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.connect(ctx); err != nil {
		t.Fatalf("connect() error: %v", err)
	}
	defer l.disconnect()
	agent.waitConnected(t)

	agent.push(t, websocket.TextMessage, `{not json`)
	agent.push(t, websocket.BinaryMessage, "\x00\x01\x02")
	agent.push(t, websocket.TextMessage, envelope(t, "SomethingNew", nil))
	agent.push(t, websocket.TextMessage, envelope(t, "ActivateGameSession", map[string]any{
		"gameSession": map[string]any{"gameSessionId": "sess-after-garbage"},
	}))

	select {
	case ev := <-events:
		act, ok := ev.(activateGameSessionEvent)
		if !ok {
			t.Fatalf("event = %T, want activateGameSessionEvent", ev)
		}
		if act.GameSession.GameSessionID != "sess-after-garbage" {
			t.Errorf("GameSessionID = %q, want %q", act.GameSession.GameSessionID, "sess-after-garbage")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("well-formed frame after garbage was not dispatched")
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected extra event %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventListener_PingIsAnswered(t *testing.T) {
	agent, server := newMockAgent(t)
	l := newTestListener(server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.connect(ctx); err != nil {
		t.Fatalf("connect() error: %v", err)
	}
	defer l.disconnect()
	agent.waitConnected(t)

	pong := make(chan string, 1)
	agent.mu.Lock()
	agent.onPong = func(data string) { pong <- data }
	err := agent.conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
	agent.mu.Unlock()
	if err != nil {
		t.Fatalf("write ping: %v", err)
	}

	select {
	case data := <-pong:
		if data != "hb" {
			t.Errorf("pong payload = %q, want %q", data, "hb")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestEventListener_Disconnect_NoGoroutineLeak(t *testing.T) {
	agent, server := newMockAgent(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := newTestListener(server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.connect(ctx); err != nil {
		t.Fatalf("connect() error: %v", err)
	}
	agent.waitConnected(t)

	if err := l.disconnect(); err != nil {
		t.Fatalf("disconnect() error: %v", err)
	}
	if err := l.disconnect(); err != nil {
		t.Fatalf("second disconnect() error: %v", err)
	}
}

func TestEventListener_Disconnect_NeverConnected(t *testing.T) {
	l := newEventListener("ws://127.0.0.1:1", "1", zerolog.Nop(), newMetrics(nil))
	if err := l.disconnect(); err != nil {
		t.Fatalf("disconnect() error: %v", err)
	}
}

func TestEventListener_Connect_SecondCallRefused(t *testing.T) {
	agent, server := newMockAgent(t)
	l := newTestListener(server)
	defer l.disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.connect(ctx); err != nil {
		t.Fatalf("connect() error: %v", err)
	}
	agent.waitConnected(t)

	err := l.connect(ctx)
	if !errors.Is(err, ErrLocalConnectionFailed) {
		t.Fatalf("second connect() = %v, want ErrLocalConnectionFailed", err)
	}
	if got := agent.connections(); got != 1 {
		t.Errorf("agent saw %d connections, want 1", got)
	}
}

func TestEventListener_Connect_AfterFailureCanRetry(t *testing.T) {
	agent, server := newMockAgent(t)
	l := newEventListener("ws://127.0.0.1:1/ws", "4242", zerolog.Nop(), newMetrics(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.connect(ctx); err == nil {
		t.Fatal("connect() to a closed port should fail")
	}

	l.wsURL = eventURLFor(server)
	if err := l.connect(ctx); err != nil {
		t.Fatalf("connect() after a failed dial: %v", err)
	}
	defer l.disconnect()
	agent.waitConnected(t)
}

func TestEventListener_Connect_AfterDisconnectDropsSocket(t *testing.T) {
	_, server := newMockAgent(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := newTestListener(server)
	if err := l.disconnect(); err != nil {
		t.Fatalf("disconnect() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.connect(ctx)
	if !errors.Is(err, ErrLocalConnectionFailed) {
		t.Fatalf("connect() after disconnect = %v, want ErrLocalConnectionFailed", err)
	}
	if err := l.disconnect(); err != nil {
		t.Fatalf("disconnect() error: %v", err)
	}
}

func TestEventListener_MalformedFramePayloadOnlyAtDebug(t *testing.T) {
	agent, server := newMockAgent(t)

	var buf safeBuffer
	l := newEventListener(eventURLFor(server), "4242", zerolog.New(&buf).Level(zerolog.InfoLevel), newMetrics(nil))
	handled := make(chan inboundEvent, 1)
	l.setEventHandler(func(ev inboundEvent) { handled <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.connect(ctx); err != nil {
		t.Fatalf("connect() error: %v", err)
	}
	defer l.disconnect()
	agent.waitConnected(t)

	const secret = `{"playerToken":"s3cr3t"`
	agent.push(t, websocket.TextMessage, secret)
	agent.push(t, websocket.TextMessage, envelope(t, "UnknownMessage", map[string]any{"playerToken": "s3cr3t"}))
	agent.push(t, websocket.TextMessage, envelope(t, "TerminateProcess", map[string]any{"terminationTime": 1700000000000}))

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("listener stopped after malformed frames")
	}

	out := buf.String()
	if !strings.Contains(out, "could not parse message") {
		t.Errorf("log missing parse error: %s", out)
	}
	if !strings.Contains(out, "unknown message type received") {
		t.Errorf("log missing unknown type error: %s", out)
	}
	if strings.Contains(out, "s3cr3t") {
		t.Errorf("payload logged above debug level: %s", out)
	}
}

// safeBuffer is a bytes.Buffer shared between the read loop and the test.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
