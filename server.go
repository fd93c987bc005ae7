package gameserver

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Version is the SDK version reported to the agent when the event channel
// connects.
const Version = "4.0.2"

// HealthCheckTimeout bounds each OnHealthCheck call and is also the pause
// between health reports.
const HealthCheckTimeout = 60 * time.Second

// shutdownGracePeriod gives an in-flight health check time to observe the
// cleared ready flag before the event channel is torn down.
const shutdownGracePeriod = time.Second

// Server is the game server's handle on the local agent. It owns the event
// channel, the command channel, the health check loop and the session state
// that ties them together. Create one per process with NewServer.
//
// Readiness is an atomic flag; session id and termination time are guarded
// for visibility only. A health check racing ProcessEnding or Shutdown may
// still report once; that is tolerated.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	codec    Codec
	metrics  *metrics
	commands commandTransport
	events   eventTransport

	ready             atomic.Bool
	healthLoopRunning atomic.Bool
	healthPending     atomic.Bool

	mu              sync.RWMutex
	params          ProcessParameters
	gameSessionID   string
	terminationTime time.Time
	connecting      bool
	connected       bool
	closed          bool

	healthCheckTimeout time.Duration
	shutdownGrace      time.Duration
}

// NewServer creates a Server with the given configuration. Empty Config
// fields are filled from GAMELIFT_SDK_* environment variables and defaults.
// The event channel is not opened until Connect is called.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	o := serverDefaults()
	for _, opt := range opts {
		opt(&o)
	}

	var base zerolog.Logger
	if o.logger != nil {
		base = *o.logger
	} else {
		base = newLogger(resolved.LogLevel)
	}
	base = base.With().Str("pid", resolved.ProcessID).Logger()

	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: resolved.CommandTimeout}
	}

	m := newMetrics(o.registerer)

	s := &Server{
		cfg:                resolved,
		log:                withComponent(base, "server"),
		codec:              o.codec,
		metrics:            m,
		healthCheckTimeout: HealthCheckTimeout,
		shutdownGrace:      shutdownGracePeriod,
	}
	s.commands = newHTTPInvoker(resolved.CommandURL, resolved.ProcessID, client, o.codec, withComponent(base, "invoker"), m)
	s.events = newEventListener(resolved.EventURL, resolved.ProcessID, withComponent(base, "listener"), m)
	return s, nil
}

// SDKVersion returns the version reported to the agent.
func (s *Server) SDKVersion() string {
	return Version
}

// Connect opens the event channel to the local agent. It must be called
// before ProcessReady so that game sessions can be delivered.
func (s *Server) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError(ErrKindLocalConnectionFailed, "server is shut down", nil)
	}
	if s.connected || s.connecting {
		s.mu.Unlock()
		return newError(ErrKindLocalConnectionFailed, "already connected", nil)
	}
	s.connecting = true
	s.mu.Unlock()

	s.events.setEventHandler(s.handleEvent)
	err := s.events.connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = false
	if err != nil {
		if _, ok := KindOf(err); ok {
			return err
		}
		return newError(ErrKindLocalConnectionFailed, "connect", err)
	}
	// Shutdown disconnects the event channel after marking the server closed.
	if s.closed {
		return newError(ErrKindLocalConnectionFailed, "server is shut down", nil)
	}
	s.connected = true
	return nil
}

// ProcessReady tells the agent the process can host a game session and starts
// the health check loop. The loop starts even when the notification fails.
func (s *Server) ProcessReady(ctx context.Context, params ProcessParameters) error {
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()

	s.ready.Store(true)
	s.metrics.setReady(true)

	logPaths := params.LogParameters.LogPaths
	if logPaths == nil {
		logPaths = []string{}
	}
	err := s.call(ctx, processReadyCommand{
		Port:             params.Port,
		LogPathsToUpload: logPaths,
	}, nil)
	if err != nil {
		s.log.Error().Err(err).Int("port", params.Port).Msg("ProcessReady failed")
	} else {
		s.log.Info().Int("port", params.Port).Strs("log_paths", logPaths).Msg("process ready")
	}

	s.startHealthCheck()
	return err
}

// ProcessEnding tells the agent the process is shutting down. The ready flag
// is cleared before the notification is sent.
func (s *Server) ProcessEnding(ctx context.Context) error {
	s.ready.Store(false)
	s.metrics.setReady(false)
	s.log.Info().Msg("process ending")
	return s.call(ctx, processEndingCommand{}, nil)
}

// ActivateGameSession reports that the process is ready to accept players
// into the current game session.
func (s *Server) ActivateGameSession(ctx context.Context) error {
	id, err := s.sessionID()
	if err != nil {
		return err
	}
	return s.call(ctx, gameSessionActivateCommand{GameSessionID: id}, nil)
}

// TerminateGameSession reports that the current game session has ended.
func (s *Server) TerminateGameSession(ctx context.Context) error {
	id, err := s.sessionID()
	if err != nil {
		return err
	}
	return s.call(ctx, gameSessionTerminateCommand{GameSessionID: id}, nil)
}

// UpdatePlayerSessionCreationPolicy opens or closes the current game session
// to new players.
func (s *Server) UpdatePlayerSessionCreationPolicy(ctx context.Context, policy PlayerSessionCreationPolicy) error {
	id, err := s.sessionID()
	if err != nil {
		return err
	}
	return s.call(ctx, updatePlayerSessionCreationPolicyCommand{
		GameSessionID:                  id,
		NewPlayerSessionCreationPolicy: policy.String(),
	}, nil)
}

// AcceptPlayerSession validates a player connecting to the current game session.
func (s *Server) AcceptPlayerSession(ctx context.Context, playerSessionID string) error {
	id, err := s.sessionID()
	if err != nil {
		return err
	}
	return s.call(ctx, acceptPlayerSessionCommand{PlayerSessionID: playerSessionID, GameSessionID: id}, nil)
}

// RemovePlayerSession reports that a player left the current game session.
func (s *Server) RemovePlayerSession(ctx context.Context, playerSessionID string) error {
	id, err := s.sessionID()
	if err != nil {
		return err
	}
	return s.call(ctx, removePlayerSessionCommand{PlayerSessionID: playerSessionID, GameSessionID: id}, nil)
}

// GetGameSessionID returns the id of the game session this process hosts.
func (s *Server) GetGameSessionID() (string, error) {
	return s.sessionID()
}

// GetTerminationTime returns the deadline by which the process must exit,
// once the agent has sent one.
func (s *Server) GetTerminationTime() (time.Time, error) {
	s.mu.RLock()
	t := s.terminationTime
	s.mu.RUnlock()
	if t.IsZero() {
		return time.Time{}, newError(ErrKindTerminationTimeNotSet, "", nil)
	}
	return t, nil
}

// DescribePlayerSessions lists player sessions. The request is not tied to the
// current game session; the agent validates it.
func (s *Server) DescribePlayerSessions(ctx context.Context, req DescribePlayerSessionsRequest) (DescribePlayerSessionsResult, error) {
	var resp describePlayerSessionsResponse
	err := s.call(ctx, describePlayerSessionsCommand{
		GameSessionID:             req.GameSessionID,
		PlayerID:                  req.PlayerID,
		PlayerSessionID:           req.PlayerSessionID,
		PlayerSessionStatusFilter: req.PlayerSessionStatusFilter,
		NextToken:                 req.NextToken,
		Limit:                     req.Limit,
	}, &resp)
	if err != nil {
		return DescribePlayerSessionsResult{}, err
	}

	result := DescribePlayerSessionsResult{
		PlayerSessions: make([]PlayerSession, 0, len(resp.PlayerSessions)),
		NextToken:      resp.NextToken,
	}
	for _, ps := range resp.PlayerSessions {
		result.PlayerSessions = append(result.PlayerSessions, ps.toPlayerSession())
	}
	return result, nil
}

// StartMatchBackfill asks the matchmaker to find players for open slots.
func (s *Server) StartMatchBackfill(ctx context.Context, req StartMatchBackfillRequest) (StartMatchBackfillResult, error) {
	var resp backfillMatchmakingResponse
	err := s.call(ctx, backfillMatchmakingCommand{
		TicketID:                    req.TicketID,
		GameSessionArn:              req.GameSessionArn,
		MatchmakingConfigurationArn: req.MatchmakingConfigurationArn,
		Players:                     playersToWire(req.Players),
	}, &resp)
	if err != nil {
		return StartMatchBackfillResult{}, err
	}
	return StartMatchBackfillResult{TicketID: resp.TicketID}, nil
}

// StopMatchBackfill cancels a backfill ticket.
func (s *Server) StopMatchBackfill(ctx context.Context, req StopMatchBackfillRequest) error {
	return s.call(ctx, stopMatchmakingCommand{
		TicketID:                    req.TicketID,
		GameSessionArn:              req.GameSessionArn,
		MatchmakingConfigurationArn: req.MatchmakingConfigurationArn,
	}, nil)
}

// GetInstanceCertificate returns where the instance's TLS certificate lives.
func (s *Server) GetInstanceCertificate(ctx context.Context) (GetInstanceCertificateResult, error) {
	s.log.Debug().Msg("calling GetInstanceCertificate")
	var resp getInstanceCertificateResponse
	if err := s.call(ctx, getInstanceCertificateCommand{}, &resp); err != nil {
		return GetInstanceCertificateResult{}, err
	}
	return GetInstanceCertificateResult(resp), nil
}

// Shutdown clears the ready flag, waits briefly so a running health check can
// see it, then closes the event channel. The health check loop may outlive
// Shutdown by up to one HealthCheckTimeout.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.metrics.setReady(false)

	time.Sleep(s.shutdownGrace)

	s.mu.Lock()
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	if c, ok := s.commands.(interface{ closeIdleConnections() }); ok {
		c.closeIdleConnections()
	}
	if err := s.events.disconnect(); err != nil {
		return newError(ErrKindLocalConnectionFailed, "disconnect", err)
	}
	s.log.Info().Msg("shut down")
	return nil
}

func (s *Server) sessionID() (string, error) {
	s.mu.RLock()
	id := s.gameSessionID
	s.mu.RUnlock()
	if id == "" {
		return "", newError(ErrKindGameSessionIDNotSet, "", nil)
	}
	return id, nil
}

// call sends cmd and decodes a non-empty response into out. out is nil for
// commands that only acknowledge.
func (s *Server) call(ctx context.Context, cmd command, out any) error {
	body, err := s.commands.send(ctx, cmd)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := s.codec.Unmarshal(body, out); err != nil {
		return newError(ErrKindServiceCallFailed, "decode "+cmd.commandName()+" response", err)
	}
	return nil
}

// handleEvent is the event channel's handler. It runs on the listener's read
// goroutine and must not block on application code.
func (s *Server) handleEvent(ev inboundEvent) {
	switch e := ev.(type) {
	case activateGameSessionEvent:
		s.onStartGameSession(e.GameSession)
	case updateGameSessionEvent:
		s.onUpdateGameSession(e.GameSession, e.UpdateReason, e.BackfillTicketID)
	case terminateProcessEvent:
		s.onTerminateProcess(int64(e.TerminationTime))
	case unknownEvent:
		s.log.Error().Str("type", e.TypeURL).Msg("unknown event dropped")
		s.metrics.recordEvent(e.eventName(), "dropped")
	default:
		s.log.Error().Str("type", ev.eventName()).Msg("unhandled event dropped")
		s.metrics.recordEvent(ev.eventName(), "dropped")
	}
}

func (s *Server) onStartGameSession(session GameSession) {
	s.log.Debug().Stringer("game_session", session).Msg("got the startGameSession signal")

	if !s.ready.Load() {
		s.log.Debug().Str("game_session_id", session.GameSessionID).Msg("got a game session on inactive process, ignoring")
		s.metrics.recordEvent("ActivateGameSession", "dropped")
		return
	}

	s.mu.Lock()
	s.gameSessionID = session.GameSessionID
	fn := s.params.OnStartGameSession
	s.mu.Unlock()

	s.metrics.recordEvent("ActivateGameSession", "dispatched")
	if fn != nil {
		s.dispatch("OnStartGameSession", func() { fn(session) })
	}
}

func (s *Server) onUpdateGameSession(session GameSession, reason UpdateReason, backfillTicketID string) {
	s.log.Debug().Stringer("game_session", session).Stringer("reason", reason).Msg("got the updateGameSession signal")

	if !s.ready.Load() {
		s.log.Warn().Str("game_session_id", session.GameSessionID).Msg("got an updated game session on inactive process")
		s.metrics.recordEvent("UpdateGameSession", "dropped")
		return
	}

	s.mu.RLock()
	fn := s.params.OnUpdateGameSession
	s.mu.RUnlock()

	s.metrics.recordEvent("UpdateGameSession", "dispatched")
	if fn != nil {
		update := UpdateGameSession{
			GameSession:      session,
			UpdateReason:     reason,
			BackfillTicketID: backfillTicketID,
		}
		s.dispatch("OnUpdateGameSession", func() { fn(update) })
	}
}

// onTerminateProcess records the deadline even when the process is not ready:
// an ending process still has to learn when it will be killed.
func (s *Server) onTerminateProcess(terminationMillis int64) {
	deadline := epochMilli(terminationMillis).Time()

	s.mu.Lock()
	s.terminationTime = deadline
	fn := s.params.OnProcessTerminate
	s.mu.Unlock()

	s.log.Debug().Time("termination_time", deadline).Msg("got the terminateProcess signal")
	s.metrics.recordEvent("TerminateProcess", "dispatched")
	if fn != nil {
		s.dispatch("OnProcessTerminate", fn)
	}
}

// dispatch runs an application callback on its own goroutine. Delivery is
// at-most-once and unordered with respect to other callbacks.
func (s *Server) dispatch(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("callback", name).Interface("panic", r).Msg("callback panicked")
			}
		}()
		fn()
	}()
}
