package gameserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// command is an outbound request on the command channel. The name is sent in
// the routing header and selects the handler on the agent side.
type command interface {
	commandName() string
}

type processReadyCommand struct {
	Port             int      `json:"port"`
	LogPathsToUpload []string `json:"logPathsToUpload"`
}

type processEndingCommand struct{}

type reportHealthCommand struct {
	HealthStatus bool `json:"healthStatus"`
}

type gameSessionActivateCommand struct {
	GameSessionID string `json:"gameSessionId"`
}

type gameSessionTerminateCommand struct {
	GameSessionID string `json:"gameSessionId"`
}

type updatePlayerSessionCreationPolicyCommand struct {
	GameSessionID                  string `json:"gameSessionId"`
	NewPlayerSessionCreationPolicy string `json:"newPlayerSessionCreationPolicy"`
}

type acceptPlayerSessionCommand struct {
	PlayerSessionID string `json:"playerSessionId"`
	GameSessionID   string `json:"gameSessionId"`
}

type removePlayerSessionCommand struct {
	PlayerSessionID string `json:"playerSessionId"`
	GameSessionID   string `json:"gameSessionId"`
}

type describePlayerSessionsCommand struct {
	GameSessionID             string `json:"gameSessionId,omitempty"`
	PlayerID                  string `json:"playerId,omitempty"`
	PlayerSessionID           string `json:"playerSessionId,omitempty"`
	PlayerSessionStatusFilter string `json:"playerSessionStatusFilter,omitempty"`
	NextToken                 string `json:"nextToken,omitempty"`
	Limit                     int    `json:"limit,omitempty"`
}

type backfillMatchmakingCommand struct {
	TicketID                    string       `json:"ticketId,omitempty"`
	GameSessionArn              string       `json:"gameSessionArn"`
	MatchmakingConfigurationArn string       `json:"matchmakingConfigurationArn"`
	Players                     []playerWire `json:"players"`
}

type playerWire struct {
	PlayerID         string                    `json:"playerId"`
	PlayerAttributes map[string]AttributeValue `json:"playerAttributes,omitempty"`
	Team             string                    `json:"team,omitempty"`
	LatencyInMS      map[string]int            `json:"latencyInMs,omitempty"`
}

type stopMatchmakingCommand struct {
	TicketID                    string `json:"ticketId"`
	GameSessionArn              string `json:"gameSessionArn"`
	MatchmakingConfigurationArn string `json:"matchmakingConfigurationArn"`
}

type getInstanceCertificateCommand struct{}

func (processReadyCommand) commandName() string         { return "ProcessReady" }
func (processEndingCommand) commandName() string        { return "ProcessEnding" }
func (reportHealthCommand) commandName() string         { return "ReportHealth" }
func (gameSessionActivateCommand) commandName() string  { return "GameSessionActivate" }
func (gameSessionTerminateCommand) commandName() string { return "GameSessionTerminate" }
func (updatePlayerSessionCreationPolicyCommand) commandName() string {
	return "UpdatePlayerSessionCreationPolicy"
}
func (acceptPlayerSessionCommand) commandName() string    { return "AcceptPlayerSession" }
func (removePlayerSessionCommand) commandName() string    { return "RemovePlayerSession" }
func (describePlayerSessionsCommand) commandName() string { return "DescribePlayerSessionsRequest" }
func (backfillMatchmakingCommand) commandName() string    { return "BackfillMatchmakingRequest" }
func (stopMatchmakingCommand) commandName() string        { return "StopMatchmakingRequest" }
func (getInstanceCertificateCommand) commandName() string { return "GetInstanceCertificate" }

// Response payloads.

type describePlayerSessionsResponse struct {
	PlayerSessions []playerSessionWire `json:"playerSessions"`
	NextToken      string              `json:"nextToken"`
}

type playerSessionWire struct {
	PlayerID        string     `json:"playerId"`
	PlayerSessionID string     `json:"playerSessionId"`
	GameSessionID   string     `json:"gameSessionId"`
	FleetID         string     `json:"fleetId"`
	IPAddress       string     `json:"ipAddress"`
	DNSName         string     `json:"dnsName"`
	PlayerData      string     `json:"playerData"`
	Port            int        `json:"port"`
	Status          string     `json:"status"`
	CreationTime    epochMilli `json:"creationTime"`
	TerminationTime epochMilli `json:"terminationTime"`
}

type backfillMatchmakingResponse struct {
	TicketID string `json:"ticketId"`
}

type getInstanceCertificateResponse struct {
	CertificatePath      string `json:"certificatePath"`
	PrivateKeyPath       string `json:"privateKeyPath"`
	CertificateChainPath string `json:"certificateChainPath"`
	HostName             string `json:"hostName"`
	RootCertificatePath  string `json:"rootCertificatePath"`
}

func (w playerSessionWire) toPlayerSession() PlayerSession {
	ps := PlayerSession{
		PlayerID:        w.PlayerID,
		PlayerSessionID: w.PlayerSessionID,
		GameSessionID:   w.GameSessionID,
		FleetID:         w.FleetID,
		IPAddress:       w.IPAddress,
		DNSName:         w.DNSName,
		PlayerData:      w.PlayerData,
		Port:            w.Port,
		Status:          w.Status,
	}
	if w.CreationTime != 0 {
		ps.CreationTime = w.CreationTime.Time()
	}
	if w.TerminationTime != 0 {
		ps.TerminationTime = w.TerminationTime.Time()
	}
	return ps
}

func playersToWire(players []Player) []playerWire {
	out := make([]playerWire, len(players))
	for i, p := range players {
		out[i] = playerWire{
			PlayerID:         p.PlayerID,
			PlayerAttributes: p.PlayerAttributes,
			Team:             p.Team,
			LatencyInMS:      p.LatencyInMS,
		}
	}
	return out
}

// epochMilli is milliseconds since the Unix epoch. The agent encodes 64-bit
// integers either as JSON numbers or as decimal strings; both are accepted.
type epochMilli int64

func (m *epochMilli) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("epoch millis: %w", err)
	}
	*m = epochMilli(v)
	return nil
}

// Time converts to an absolute UTC instant.
func (m epochMilli) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

// Inbound events.

// inboundEvent is one decoded push-channel message. The set of variants is
// closed; dispatch switches over the concrete types and must handle
// unknownEvent.
type inboundEvent interface {
	eventName() string
}

type activateGameSessionEvent struct {
	GameSession GameSession
}

type updateGameSessionEvent struct {
	GameSession      GameSession
	UpdateReason     UpdateReason
	BackfillTicketID string
}

type terminateProcessEvent struct {
	TerminationTime epochMilli
}

type unknownEvent struct {
	TypeURL string
}

func (activateGameSessionEvent) eventName() string { return "ActivateGameSession" }
func (updateGameSessionEvent) eventName() string   { return "UpdateGameSession" }
func (terminateProcessEvent) eventName() string    { return "TerminateProcess" }
func (unknownEvent) eventName() string             { return "Unknown" }

// inboundEnvelope wraps exactly one typed message. The inner message carries
// its type in an "@type" URL, e.g.
// "type.googleapis.com/com.amazon.whitewater.auxproxy.pbuffer.ActivateGameSession".
type inboundEnvelope struct {
	InnerMessage json.RawMessage `json:"innerMessage"`
}

var errEmptyEnvelope = errors.New("envelope has no innerMessage")

// parseEnvelope decodes a text frame into an inboundEvent.
func parseEnvelope(data []byte) (inboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if len(env.InnerMessage) == 0 || bytes.Equal(env.InnerMessage, []byte("null")) {
		return nil, errEmptyEnvelope
	}

	var header struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(env.InnerMessage, &header); err != nil {
		return nil, fmt.Errorf("parse inner message: %w", err)
	}

	switch messageName(header.Type) {
	case "ActivateGameSession":
		var msg struct {
			GameSession *GameSession `json:"gameSession"`
		}
		if err := json.Unmarshal(env.InnerMessage, &msg); err != nil {
			return nil, fmt.Errorf("parse ActivateGameSession: %w", err)
		}
		if msg.GameSession == nil {
			return nil, errors.New("ActivateGameSession: missing gameSession")
		}
		return activateGameSessionEvent{GameSession: *msg.GameSession}, nil

	case "UpdateGameSession":
		var msg struct {
			GameSession      *GameSession `json:"gameSession"`
			UpdateReason     string       `json:"updateReason"`
			BackfillTicketID string       `json:"backfillTicketId"`
		}
		if err := json.Unmarshal(env.InnerMessage, &msg); err != nil {
			return nil, fmt.Errorf("parse UpdateGameSession: %w", err)
		}
		if msg.GameSession == nil {
			return nil, errors.New("UpdateGameSession: missing gameSession")
		}
		return updateGameSessionEvent{
			GameSession:      *msg.GameSession,
			UpdateReason:     ParseUpdateReason(msg.UpdateReason),
			BackfillTicketID: msg.BackfillTicketID,
		}, nil

	case "TerminateProcess":
		var msg struct {
			TerminationTime epochMilli `json:"terminationTime"`
		}
		if err := json.Unmarshal(env.InnerMessage, &msg); err != nil {
			return nil, fmt.Errorf("parse TerminateProcess: %w", err)
		}
		return terminateProcessEvent{TerminationTime: msg.TerminationTime}, nil
	}

	return unknownEvent{TypeURL: header.Type}, nil
}

// messageName strips the type URL prefix and package from an "@type" value:
// "type.googleapis.com/a.b.TerminateProcess" -> "TerminateProcess".
func messageName(typeURL string) string {
	name := typeURL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
