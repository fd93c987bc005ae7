package gameserver

import (
	"context"
	"time"
)

// startHealthCheck launches the health check loop unless one is already
// running.
func (s *Server) startHealthCheck() {
	if !s.healthLoopRunning.CompareAndSwap(false, true) {
		s.log.Debug().Msg("health check loop already running")
		return
	}
	go s.healthCheckLoop()
}

func (s *Server) healthCheckLoop() {
	log := withComponent(s.log, "health")
	log.Debug().Msg("health check loop started")

	for {
		for s.ready.Load() {
			s.reportHealth()
			time.Sleep(s.healthCheckTimeout)
		}
		s.healthLoopRunning.Store(false)

		// ProcessReady may have run between the last check and the store
		// above; in that case it saw the loop as running and did not start
		// a new one.
		if !s.ready.Load() || !s.healthLoopRunning.CompareAndSwap(false, true) {
			log.Debug().Msg("health check loop stopped")
			return
		}
	}
}

func (s *Server) reportHealth() {
	log := withComponent(s.log, "health")

	if !s.ready.Load() {
		log.Debug().Msg("reporting health on an inactive process, ignoring")
		return
	}

	healthy := s.invokeHealthCheck()
	s.metrics.recordHealth(healthy)

	ctx, cancel := context.WithTimeout(context.Background(), s.healthCheckTimeout)
	defer cancel()
	if err := s.call(ctx, reportHealthCommand{HealthStatus: healthy}, nil); err != nil {
		log.Warn().Err(err).Msg("could not send health status")
	}
}

// invokeHealthCheck runs OnHealthCheck with a bounded wait. A call that
// overruns is reported as unhealthy and left running; no second call starts
// until it returns.
func (s *Server) invokeHealthCheck() bool {
	log := withComponent(s.log, "health")

	s.mu.RLock()
	fn := s.params.OnHealthCheck
	s.mu.RUnlock()
	if fn == nil {
		return true
	}

	if !s.healthPending.CompareAndSwap(false, true) {
		log.Warn().Msg("previous health check still outstanding, reporting unhealthy")
		return false
	}

	log.Debug().Msg("reporting health using the OnHealthCheck callback")
	result := make(chan bool, 1)
	go func() {
		defer s.healthPending.Store(false)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("OnHealthCheck panicked")
				result <- false
			}
		}()
		result <- fn()
	}()

	timer := time.NewTimer(s.healthCheckTimeout)
	defer timer.Stop()

	select {
	case healthy := <-result:
		log.Debug().Bool("healthy", healthy).Msg("received health response from the server process")
		return healthy
	case <-timer.C:
		log.Debug().Msg("timed out waiting for health response, reporting unhealthy")
		return false
	}
}
