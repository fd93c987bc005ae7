package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	gameserver "github.com/layr8/gameserver-sdk"
)

const (
	headerTarget    = "gamelift-target"
	headerProcessID = "gamelift-server-pid"
	headerRequestID = "X-Request-Id"

	typePrefix = "type.googleapis.com/com.amazon.whitewater.auxproxy.pbuffer."

	writeWait = 5 * time.Second
)

// playerSession is the agent's record of a reserved player slot.
type playerSession struct {
	PlayerID        string `json:"playerId"`
	PlayerSessionID string `json:"playerSessionId"`
	GameSessionID   string `json:"gameSessionId"`
	FleetID         string `json:"fleetId"`
	IPAddress       string `json:"ipAddress"`
	Port            int    `json:"port"`
	Status          string `json:"status"`
	CreationTime    string `json:"creationTime"`
	TerminationTime string `json:"terminationTime,omitempty"`
}

// processInfo is the state the agent tracks for a connected process.
type processInfo struct {
	PID           string    `json:"pid"`
	SDKVersion    string    `json:"sdkVersion"`
	SDKLanguage   string    `json:"sdkLanguage"`
	Ready         bool      `json:"ready"`
	Port          int       `json:"port"`
	LogPaths      []string  `json:"logPaths,omitempty"`
	Healthy       bool      `json:"healthy"`
	LastHealth    time.Time `json:"lastHealth,omitempty"`
	GameSessionID string    `json:"gameSessionId,omitempty"`
	SessionActive bool      `json:"sessionActive"`
	Policy        string    `json:"playerSessionCreationPolicy,omitempty"`
}

// process is one game server process connected to the event endpoint.
// processInfo fields are guarded by agent.mu.
type process struct {
	processInfo

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *process) push(messageType string, fields map[string]any) error {
	inner := map[string]any{"@type": typePrefix + messageType}
	for k, v := range fields {
		inner[k] = v
	}
	data, err := json.Marshal(map[string]any{"innerMessage": inner})
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// agent stands in for the hosting service's local agent: it accepts event
// channel connections, serves commands, and lets an operator push lifecycle
// events through the admin API.
type agent struct {
	log      zerolog.Logger
	fleetID  string
	hostIP   string
	certDir  string
	router   *commandRouter
	upgrader websocket.Upgrader

	commandsTotal  *prometheus.CounterVec
	processesGauge prometheus.Gauge

	mu             sync.Mutex
	processes      map[string]*process
	playerSessions map[string]*playerSession // by player session id
}

func newAgent(cfg config, log zerolog.Logger, reg prometheus.Registerer) *agent {
	a := &agent{
		log:     log,
		fleetID: cfg.FleetID,
		hostIP:  cfg.HostIP,
		certDir: cfg.CertificateDir,
		router:  newCommandRouter(),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "local_agent_commands_total",
			Help: "Commands received from game server processes, by command and status.",
		}, []string{"command", "status"}),
		processesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "local_agent_connected_processes",
			Help: "Processes currently connected to the event endpoint.",
		}),
		processes:      make(map[string]*process),
		playerSessions: make(map[string]*playerSession),
	}
	if reg != nil {
		reg.MustRegister(a.commandsTotal, a.processesGauge)
	}

	must := func(target string, fn commandFunc) {
		if err := a.router.register(target, fn); err != nil {
			panic(err)
		}
	}
	must("ProcessReady", a.processReady)
	must("ProcessEnding", a.processEnding)
	must("ReportHealth", a.reportHealth)
	must("GameSessionActivate", a.gameSessionActivate)
	must("GameSessionTerminate", a.gameSessionTerminate)
	must("UpdatePlayerSessionCreationPolicy", a.updatePolicy)
	must("AcceptPlayerSession", a.acceptPlayerSession)
	must("RemovePlayerSession", a.removePlayerSession)
	must("DescribePlayerSessionsRequest", a.describePlayerSessions)
	must("BackfillMatchmakingRequest", a.startBackfill)
	must("StopMatchmakingRequest", a.stopBackfill)
	must("GetInstanceCertificate", a.instanceCertificate)
	return a
}

// handleEvents upgrades a process's event channel and keeps it registered
// until the connection drops.
func (a *agent) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pid := q.Get("pID")
	if pid == "" {
		http.Error(w, "missing pID", http.StatusBadRequest)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Str("pid", pid).Msg("upgrade failed")
		return
	}

	p := &process{
		processInfo: processInfo{
			PID:         pid,
			SDKVersion:  q.Get("sdkVersion"),
			SDKLanguage: q.Get("sdkLanguage"),
		},
		conn: conn,
	}

	a.mu.Lock()
	old := a.processes[pid]
	a.processes[pid] = p
	a.processesGauge.Set(float64(len(a.processes)))
	a.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}

	log := a.log.With().Str("pid", pid).Logger()
	log.Info().Str("sdk_version", p.SDKVersion).Str("sdk_language", p.SDKLanguage).Msg("process connected")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	a.mu.Lock()
	if a.processes[pid] == p {
		delete(a.processes, pid)
	}
	a.processesGauge.Set(float64(len(a.processes)))
	a.mu.Unlock()
	conn.Close()
	log.Info().Msg("process disconnected")
}

// handleCommand routes a command by its gamelift-target header.
func (a *agent) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	target := r.Header.Get(headerTarget)
	pid := r.Header.Get(headerProcessID)
	log := a.log.With().
		Str("command", target).
		Str("pid", pid).
		Str("request_id", r.Header.Get(headerRequestID)).
		Logger()

	status, payload := a.route(target, pid, r.Body)
	a.commandsTotal.WithLabelValues(target, strconv.Itoa(status)).Inc()

	if status != http.StatusOK {
		log.Warn().Int("status", status).Msg("command rejected")
		http.Error(w, fmt.Sprint(payload), status)
		return
	}
	log.Debug().Msg("command handled")

	w.Header().Set("Content-Type", "application/json")
	if payload == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func (a *agent) route(target, pid string, body io.Reader) (int, any) {
	fn, ok := a.router.lookup(target)
	if !ok {
		return http.StatusBadRequest, fmt.Sprintf("unknown command %q", target)
	}
	p, ok := a.process(pid)
	if !ok {
		return http.StatusBadRequest, fmt.Sprintf("process %q is not connected", pid)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return http.StatusBadRequest, err.Error()
	}
	out, err := fn(p, data)
	if err != nil {
		return statusFor(err), err.Error()
	}
	return http.StatusOK, out
}

func (a *agent) process(pid string) (*process, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.processes[pid]
	return p, ok
}

// snapshot copies the state of every connected process.
func (a *agent) snapshot() []processInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]processInfo, 0, len(a.processes))
	for _, p := range a.processes {
		out = append(out, p.processInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Command handlers. Each runs with the process looked up from the pid header.

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

func (a *agent) processReady(p *process, body []byte) (any, error) {
	var req struct {
		Port             int      `json:"port"`
		LogPathsToUpload []string `json:"logPathsToUpload"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.Port < 0 || req.Port > 65535 {
		return nil, badRequest("invalid port %d", req.Port)
	}

	a.mu.Lock()
	p.Ready = true
	p.Port = req.Port
	p.LogPaths = req.LogPathsToUpload
	a.mu.Unlock()
	a.log.Info().Str("pid", p.PID).Int("port", req.Port).Msg("process ready")
	return nil, nil
}

func (a *agent) processEnding(p *process, _ []byte) (any, error) {
	a.mu.Lock()
	p.Ready = false
	a.mu.Unlock()
	a.log.Info().Str("pid", p.PID).Msg("process ending")
	return nil, nil
}

func (a *agent) reportHealth(p *process, body []byte) (any, error) {
	var req struct {
		HealthStatus bool `json:"healthStatus"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	a.mu.Lock()
	p.Healthy = req.HealthStatus
	p.LastHealth = time.Now()
	a.mu.Unlock()
	return nil, nil
}

type sessionRequest struct {
	GameSessionID string `json:"gameSessionId"`
}

// checkSession verifies the request names the session assigned to p. Callers
// hold a.mu.
func checkSession(p *process, id string) error {
	if p.GameSessionID == "" {
		return badRequest("process %s has no game session", p.PID)
	}
	if id != p.GameSessionID {
		return badRequest("game session %q is not assigned to process %s", id, p.PID)
	}
	return nil
}

func (a *agent) gameSessionActivate(p *process, body []byte) (any, error) {
	var req sessionRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkSession(p, req.GameSessionID); err != nil {
		return nil, err
	}
	p.SessionActive = true
	a.log.Info().Str("pid", p.PID).Str("game_session_id", req.GameSessionID).Msg("game session active")
	return nil, nil
}

func (a *agent) gameSessionTerminate(p *process, body []byte) (any, error) {
	var req sessionRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkSession(p, req.GameSessionID); err != nil {
		return nil, err
	}
	p.SessionActive = false
	p.GameSessionID = ""
	for _, ps := range a.playerSessions {
		if ps.GameSessionID == req.GameSessionID && ps.Status != "COMPLETED" {
			ps.Status = "COMPLETED"
			ps.TerminationTime = epochMillis(time.Now())
		}
	}
	a.log.Info().Str("pid", p.PID).Str("game_session_id", req.GameSessionID).Msg("game session terminated")
	return nil, nil
}

func (a *agent) updatePolicy(p *process, body []byte) (any, error) {
	var req struct {
		GameSessionID                  string `json:"gameSessionId"`
		NewPlayerSessionCreationPolicy string `json:"newPlayerSessionCreationPolicy"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	switch req.NewPlayerSessionCreationPolicy {
	case "ACCEPT_ALL", "DENY_ALL":
	default:
		return nil, badRequest("invalid player session creation policy %q", req.NewPlayerSessionCreationPolicy)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkSession(p, req.GameSessionID); err != nil {
		return nil, err
	}
	p.Policy = req.NewPlayerSessionCreationPolicy
	return nil, nil
}

type playerSessionRequest struct {
	PlayerSessionID string `json:"playerSessionId"`
	GameSessionID   string `json:"gameSessionId"`
}

func (a *agent) acceptPlayerSession(p *process, body []byte) (any, error) {
	return a.transitionPlayerSession(p, body, "RESERVED", "ACTIVE")
}

func (a *agent) removePlayerSession(p *process, body []byte) (any, error) {
	return a.transitionPlayerSession(p, body, "", "COMPLETED")
}

// transitionPlayerSession moves a player session to status. from restricts
// the source status; empty allows any state that is not already to.
func (a *agent) transitionPlayerSession(p *process, body []byte, from, to string) (any, error) {
	var req playerSessionRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkSession(p, req.GameSessionID); err != nil {
		return nil, err
	}
	ps, ok := a.playerSessions[req.PlayerSessionID]
	if !ok || ps.GameSessionID != req.GameSessionID {
		return nil, badRequest("unknown player session %q", req.PlayerSessionID)
	}
	if (from != "" && ps.Status != from) || ps.Status == to {
		return nil, badRequest("player session %q is %s", req.PlayerSessionID, ps.Status)
	}
	ps.Status = to
	if to == "COMPLETED" {
		ps.TerminationTime = epochMillis(time.Now())
	}
	return nil, nil
}

func (a *agent) describePlayerSessions(_ *process, body []byte) (any, error) {
	var req struct {
		GameSessionID             string `json:"gameSessionId"`
		PlayerID                  string `json:"playerId"`
		PlayerSessionID           string `json:"playerSessionId"`
		PlayerSessionStatusFilter string `json:"playerSessionStatusFilter"`
		NextToken                 string `json:"nextToken"`
		Limit                     int    `json:"limit"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.GameSessionID == "" && req.PlayerID == "" && req.PlayerSessionID == "" {
		return nil, badRequest("one of gameSessionId, playerId or playerSessionId is required")
	}
	offset := 0
	if req.NextToken != "" {
		n, err := strconv.Atoi(req.NextToken)
		if err != nil || n < 0 {
			return nil, badRequest("invalid nextToken %q", req.NextToken)
		}
		offset = n
	}

	a.mu.Lock()
	matched := make([]playerSession, 0)
	for _, ps := range a.playerSessions {
		if req.GameSessionID != "" && ps.GameSessionID != req.GameSessionID {
			continue
		}
		if req.PlayerID != "" && ps.PlayerID != req.PlayerID {
			continue
		}
		if req.PlayerSessionID != "" && ps.PlayerSessionID != req.PlayerSessionID {
			continue
		}
		if req.PlayerSessionStatusFilter != "" && ps.Status != req.PlayerSessionStatusFilter {
			continue
		}
		matched = append(matched, *ps)
	}
	a.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].PlayerSessionID < matched[j].PlayerSessionID })

	type response struct {
		PlayerSessions []playerSession `json:"playerSessions"`
		NextToken      string          `json:"nextToken,omitempty"`
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	page := matched[offset:]
	resp := response{PlayerSessions: page}
	if req.Limit > 0 && len(page) > req.Limit {
		resp.PlayerSessions = page[:req.Limit]
		resp.NextToken = strconv.Itoa(offset + req.Limit)
	}
	return resp, nil
}

func (a *agent) startBackfill(p *process, body []byte) (any, error) {
	var req struct {
		TicketID                    string `json:"ticketId"`
		GameSessionArn              string `json:"gameSessionArn"`
		MatchmakingConfigurationArn string `json:"matchmakingConfigurationArn"`
		Players                     []struct {
			PlayerID string `json:"playerId"`
		} `json:"players"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.GameSessionArn == "" || req.MatchmakingConfigurationArn == "" {
		return nil, badRequest("gameSessionArn and matchmakingConfigurationArn are required")
	}
	ticket := req.TicketID
	if ticket == "" {
		ticket = "ticket-" + uuid.NewString()
	}
	a.log.Info().Str("pid", p.PID).Str("ticket_id", ticket).Int("players", len(req.Players)).Msg("backfill started")
	return map[string]string{"ticketId": ticket}, nil
}

func (a *agent) stopBackfill(p *process, body []byte) (any, error) {
	var req struct {
		TicketID string `json:"ticketId"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.TicketID == "" {
		return nil, badRequest("ticketId is required")
	}
	a.log.Info().Str("pid", p.PID).Str("ticket_id", req.TicketID).Msg("backfill stopped")
	return nil, nil
}

func (a *agent) instanceCertificate(*process, []byte) (any, error) {
	return map[string]string{
		"certificatePath":      a.certDir + "/certificate.pem",
		"privateKeyPath":       a.certDir + "/privateKey.pem",
		"certificateChainPath": a.certDir + "/certificateChain.pem",
		"hostName":             a.hostIP,
		"rootCertificatePath":  a.certDir + "/rootCertificate.pem",
	}, nil
}

// Admin operations.

var errNoProcess = errors.New("process not connected")

// activate assigns a new game session to pid and pushes ActivateGameSession.
func (a *agent) activate(pid string, gs gameserver.GameSession) (gameserver.GameSession, error) {
	a.mu.Lock()
	p, ok := a.processes[pid]
	if !ok {
		a.mu.Unlock()
		return gameserver.GameSession{}, errNoProcess
	}
	if gs.GameSessionID == "" {
		gs.GameSessionID = fmt.Sprintf("arn:aws:gamelift:local::gamesession/%s/gsess-%s", a.fleetID, uuid.NewString())
	}
	gs.FleetID = a.fleetID
	gs.IPAddress = a.hostIP
	gs.Port = p.Port
	if gs.MaximumPlayerSessionCount == 0 {
		gs.MaximumPlayerSessionCount = 10
	}
	p.GameSessionID = gs.GameSessionID
	p.SessionActive = false
	a.mu.Unlock()

	return gs, p.push("ActivateGameSession", map[string]any{"gameSession": gs})
}

// update pushes UpdateGameSession for the session currently assigned to pid.
func (a *agent) update(pid string, gs gameserver.GameSession, reason, ticketID string) error {
	a.mu.Lock()
	p, ok := a.processes[pid]
	if ok {
		gs.GameSessionID = p.GameSessionID
		gs.FleetID = a.fleetID
		gs.Port = p.Port
	}
	a.mu.Unlock()
	if !ok {
		return errNoProcess
	}
	return p.push("UpdateGameSession", map[string]any{
		"gameSession":      gs,
		"updateReason":     reason,
		"backfillTicketId": ticketID,
	})
}

// terminate pushes TerminateProcess with a deadline in. The deadline is sent
// as a decimal string, the way the hosting service encodes 64-bit integers.
func (a *agent) terminate(pid string, in time.Duration) (time.Time, error) {
	p, ok := a.process(pid)
	if !ok {
		return time.Time{}, errNoProcess
	}
	deadline := time.Now().Add(in)
	return deadline, p.push("TerminateProcess", map[string]any{
		"terminationTime": epochMillis(deadline),
	})
}

// reservePlayerSession creates a RESERVED player session in pid's game session.
func (a *agent) reservePlayerSession(pid, playerID string) (playerSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.processes[pid]
	if !ok {
		return playerSession{}, errNoProcess
	}
	if p.GameSessionID == "" {
		return playerSession{}, fmt.Errorf("process %s has no game session", pid)
	}
	if p.Policy == "DENY_ALL" {
		return playerSession{}, fmt.Errorf("game session %s is not accepting players", p.GameSessionID)
	}
	ps := &playerSession{
		PlayerID:        playerID,
		PlayerSessionID: "psess-" + uuid.NewString(),
		GameSessionID:   p.GameSessionID,
		FleetID:         a.fleetID,
		IPAddress:       a.hostIP,
		Port:            p.Port,
		Status:          "RESERVED",
		CreationTime:    epochMillis(time.Now()),
	}
	a.playerSessions[ps.PlayerSessionID] = ps
	return *ps, nil
}

func epochMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
