package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	gameserver "github.com/layr8/gameserver-sdk"
)

// sessionAPI is the part of the SDK the sample game drives.
type sessionAPI interface {
	ActivateGameSession(ctx context.Context) error
	ProcessEnding(ctx context.Context) error
}

// game is a minimal match host: it activates every session it is given,
// ends the match after matchLength and exits. SDK callbacks only enqueue
// work; run executes it on a single goroutine.
type game struct {
	sdk         sessionAPI
	log         zerolog.Logger
	matchLength time.Duration

	actions  chan func(context.Context)
	done     chan struct{}
	doneOnce sync.Once
}

func newGame(sdk sessionAPI, log zerolog.Logger, matchLength time.Duration) *game {
	return &game{
		sdk:         sdk,
		log:         log,
		matchLength: matchLength,
		actions:     make(chan func(context.Context), 16),
		done:        make(chan struct{}),
	}
}

func (g *game) processParameters(port int, logPaths []string) gameserver.ProcessParameters {
	return gameserver.ProcessParameters{
		Port:          port,
		LogParameters: gameserver.LogParameters{LogPaths: logPaths},
		OnHealthCheck: func() bool { return true },
		OnStartGameSession: func(gs gameserver.GameSession) {
			g.log.Info().Stringer("game_session", gs).Msg("game session started")
			g.enqueue(g.startMatch)
		},
		OnUpdateGameSession: func(u gameserver.UpdateGameSession) {
			g.log.Info().
				Stringer("game_session", u.GameSession).
				Stringer("reason", u.UpdateReason).
				Str("backfill_ticket_id", u.BackfillTicketID).
				Msg("game session updated")
		},
		OnProcessTerminate: func() {
			g.log.Warn().Msg("process terminate requested")
			g.enqueue(g.endMatch)
		},
	}
}

func (g *game) enqueue(fn func(context.Context)) {
	select {
	case g.actions <- fn:
	case <-g.done:
	}
}

func (g *game) startMatch(ctx context.Context) {
	if err := g.sdk.ActivateGameSession(ctx); err != nil {
		g.log.Error().Err(err).Msg("ActivateGameSession failed")
	}
	time.AfterFunc(g.matchLength, func() { g.enqueue(g.endMatch) })
}

func (g *game) endMatch(ctx context.Context) {
	select {
	case <-g.done:
		return
	default:
	}
	g.log.Info().Msg("match over")
	if err := g.sdk.ProcessEnding(ctx); err != nil {
		g.log.Error().Err(err).Msg("ProcessEnding failed")
	}
	g.quit()
}

func (g *game) quit() {
	g.doneOnce.Do(func() { close(g.done) })
}

// run executes queued actions until the match ends or ctx is cancelled.
func (g *game) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.done:
			return nil
		case fn := <-g.actions:
			fn(ctx)
		}
	}
}
