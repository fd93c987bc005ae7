package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gameserver "github.com/layr8/gameserver-sdk"
)

// adminHandler serves the operator API used to drive connected processes.
func (a *agent) adminHandler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(a.logRequests)

	r.Get("/commands", a.listCommands)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/processes", func(r chi.Router) {
		r.Get("/", a.listProcesses)
		r.Route("/{pid}", func(r chi.Router) {
			r.Post("/activate", a.adminActivate)
			r.Post("/update", a.adminUpdate)
			r.Post("/terminate", a.adminTerminate)
			r.Post("/player-sessions", a.adminReservePlayer)
		})
	})
	return r
}

func (a *agent) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("admin request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errNoProcess) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeOptional reads a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (a *agent) listProcesses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshot())
}

func (a *agent) listCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.router.targets())
}

func (a *agent) adminActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string                    `json:"name"`
		MaxPlayers      int                       `json:"maxPlayers"`
		GameSessionData string                    `json:"gameSessionData"`
		MatchmakerData  string                    `json:"matchmakerData"`
		GameProperties  []gameserver.GameProperty `json:"gameProperties"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}

	gs, err := a.activate(chi.URLParam(r, "pid"), gameserver.GameSession{
		Name:                      req.Name,
		MaximumPlayerSessionCount: req.MaxPlayers,
		GameSessionData:           req.GameSessionData,
		MatchmakerData:            req.MatchmakerData,
		GameProperties:            req.GameProperties,
	})
	if err != nil {
		writeAdminError(w, err)
		return
	}
	a.log.Info().Str("pid", chi.URLParam(r, "pid")).Str("game_session_id", gs.GameSessionID).Msg("game session pushed")
	writeJSON(w, http.StatusOK, gs)
}

func (a *agent) adminUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpdateReason     string `json:"updateReason"`
		BackfillTicketID string `json:"backfillTicketId"`
		MatchmakerData   string `json:"matchmakerData"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if req.UpdateReason == "" {
		req.UpdateReason = gameserver.UpdateReasonMatchmakingDataUpdated.String()
	}

	err := a.update(chi.URLParam(r, "pid"), gameserver.GameSession{MatchmakerData: req.MatchmakerData}, req.UpdateReason, req.BackfillTicketID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *agent) adminTerminate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		In string `json:"in"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	in := 5 * time.Minute
	if req.In != "" {
		d, err := time.ParseDuration(req.In)
		if err != nil {
			writeAdminError(w, err)
			return
		}
		in = d
	}

	deadline, err := a.terminate(chi.URLParam(r, "pid"), in)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"terminationTime": deadline.UTC()})
}

func (a *agent) adminReservePlayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if req.PlayerID == "" {
		writeAdminError(w, errors.New("playerId is required"))
		return
	}

	ps, err := a.reservePlayerSession(chi.URLParam(r, "pid"), req.PlayerID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ps)
}
