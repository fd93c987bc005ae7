// Package gameserver lets a game server process talk to the local
// orchestration agent that hosts it.
//
// The SDK keeps two channels open to the agent:
//
//   - an event channel (websocket) on which the agent pushes game session
//     starts, updates and process termination notices
//   - a command channel (HTTP) used for ProcessReady, ActivateGameSession,
//     player session management, matchmaking backfill and health reports
//
// While the process is ready, a background loop calls OnHealthCheck and
// reports the result every HealthCheckTimeout.
//
// Basic usage:
//
//	srv, err := gameserver.NewServer(gameserver.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown()
//
//	err = srv.ProcessReady(ctx, gameserver.ProcessParameters{
//	    Port: 7777,
//	    OnHealthCheck: func() bool { return true },
//	    OnStartGameSession: func(gs gameserver.GameSession) {
//	        // load the map, then
//	        srv.ActivateGameSession(context.Background())
//	    },
//	    OnProcessTerminate: func() {
//	        srv.ProcessEnding(context.Background())
//	    },
//	})
//
// Every operation returns a plain error on failure. The error is always a
// *Error; use errors.Is with the Err* sentinels or KindOf to branch on it.
package gameserver
