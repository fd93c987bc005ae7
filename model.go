package gameserver

import (
	"fmt"
	"strings"
	"time"
)

// GameSession describes a game session the agent assigned to this process.
// Values are decoded from inbound events and never modified afterwards.
type GameSession struct {
	GameSessionID             string         `json:"gameSessionId"`
	Name                      string         `json:"name"`
	FleetID                   string         `json:"fleetId"`
	MaximumPlayerSessionCount int            `json:"maxPlayers"`
	Port                      int            `json:"port"`
	IPAddress                 string         `json:"ipAddress"`
	GameSessionData           string         `json:"gameSessionData"`
	MatchmakerData            string         `json:"matchmakerData"`
	GameProperties            []GameProperty `json:"gameProperties"`
	DNSName                   string         `json:"dnsName"`
}

// GameProperty is a key/value pair attached to a game session.
type GameProperty struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (g GameSession) String() string {
	return fmt.Sprintf("GameSession{id=%s name=%s fleet=%s ip=%s port=%d maxPlayers=%d}",
		g.GameSessionID, g.Name, g.FleetID, g.IPAddress, g.Port, g.MaximumPlayerSessionCount)
}

// UpdateReason says why the agent sent an updated game session.
type UpdateReason int

const (
	UpdateReasonUnknown                UpdateReason = iota
	UpdateReasonMatchmakingDataUpdated              // backfill completed
	UpdateReasonBackfillFailed
	UpdateReasonBackfillTimedOut
	UpdateReasonBackfillCancelled
)

var updateReasonNames = [...]string{
	UpdateReasonUnknown:                "UNKNOWN",
	UpdateReasonMatchmakingDataUpdated: "MATCHMAKING_DATA_UPDATED",
	UpdateReasonBackfillFailed:         "BACKFILL_FAILED",
	UpdateReasonBackfillTimedOut:       "BACKFILL_TIMED_OUT",
	UpdateReasonBackfillCancelled:      "BACKFILL_CANCELLED",
}

func (r UpdateReason) String() string {
	if int(r) >= 0 && int(r) < len(updateReasonNames) {
		return updateReasonNames[r]
	}
	return updateReasonNames[UpdateReasonUnknown]
}

// ParseUpdateReason maps the agent's reason tag. Unrecognised tags map to
// UpdateReasonUnknown.
func ParseUpdateReason(tag string) UpdateReason {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	for i, name := range updateReasonNames {
		if name == tag {
			return UpdateReason(i)
		}
	}
	return UpdateReasonUnknown
}

// UpdateGameSession is handed to OnUpdateGameSession.
type UpdateGameSession struct {
	GameSession      GameSession
	UpdateReason     UpdateReason
	BackfillTicketID string
}

// PlayerSessionCreationPolicy controls whether the session accepts new players.
type PlayerSessionCreationPolicy int

const (
	PlayerSessionCreationPolicyNotSet PlayerSessionCreationPolicy = iota
	PlayerSessionCreationPolicyAcceptAll
	PlayerSessionCreationPolicyDenyAll
)

var playerSessionCreationPolicyNames = [...]string{
	PlayerSessionCreationPolicyNotSet:    "NOT_SET",
	PlayerSessionCreationPolicyAcceptAll: "ACCEPT_ALL",
	PlayerSessionCreationPolicyDenyAll:   "DENY_ALL",
}

func (p PlayerSessionCreationPolicy) String() string {
	if int(p) >= 0 && int(p) < len(playerSessionCreationPolicyNames) {
		return playerSessionCreationPolicyNames[p]
	}
	return playerSessionCreationPolicyNames[PlayerSessionCreationPolicyNotSet]
}

// LogParameters lists files the agent uploads once the process ends.
type LogParameters struct {
	LogPaths []string
}

// ProcessParameters is registered with ProcessReady and kept for the life of
// the process. A nil OnHealthCheck reports healthy; the other callbacks are
// optional.
type ProcessParameters struct {
	Port          int
	LogParameters LogParameters

	OnHealthCheck       func() bool
	OnStartGameSession  func(GameSession)
	OnUpdateGameSession func(UpdateGameSession)
	OnProcessTerminate  func()
}

// PlayerSession is one record returned by DescribePlayerSessions.
type PlayerSession struct {
	PlayerID        string
	PlayerSessionID string
	GameSessionID   string
	FleetID         string
	IPAddress       string
	DNSName         string
	PlayerData      string
	Port            int
	Status          string
	CreationTime    time.Time
	TerminationTime time.Time
}

// DescribePlayerSessionsRequest filters player sessions. Exactly one of
// GameSessionID, PlayerID or PlayerSessionID is expected by the agent.
type DescribePlayerSessionsRequest struct {
	GameSessionID             string
	PlayerID                  string
	PlayerSessionID           string
	PlayerSessionStatusFilter string
	NextToken                 string
	Limit                     int
}

// DescribePlayerSessionsResult is one page of player sessions.
type DescribePlayerSessionsResult struct {
	PlayerSessions []PlayerSession
	NextToken      string
}

// AttributeValue is a matchmaking player attribute. Set exactly one field.
type AttributeValue struct {
	S   *string            `json:"s,omitempty"`
	N   *float64           `json:"n,omitempty"`
	SL  []string           `json:"sl,omitempty"`
	SDM map[string]float64 `json:"sdm,omitempty"`
}

// Player is a matchmaking participant included in a backfill request.
type Player struct {
	PlayerID         string
	PlayerAttributes map[string]AttributeValue
	Team             string
	LatencyInMS      map[string]int
}

// StartMatchBackfillRequest asks the matchmaker to refill the session.
type StartMatchBackfillRequest struct {
	TicketID                    string
	GameSessionArn              string
	MatchmakingConfigurationArn string
	Players                     []Player
}

// StartMatchBackfillResult carries the ticket the matchmaker is working on.
type StartMatchBackfillResult struct {
	TicketID string
}

// StopMatchBackfillRequest cancels a running backfill ticket.
type StopMatchBackfillRequest struct {
	TicketID                    string
	GameSessionArn              string
	MatchmakingConfigurationArn string
}

// GetInstanceCertificateResult points at the TLS material on the instance.
type GetInstanceCertificateResult struct {
	CertificatePath      string
	PrivateKeyPath       string
	CertificateChainPath string
	HostName             string
	RootCertificatePath  string
}
