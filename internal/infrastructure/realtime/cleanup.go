package realtime

import (
	"context"
	"time"

	"tripsync/internal/core/services"

	"go.uber.org/zap"
)

// CleanupSupervisor periodically sweeps the structures that accumulate
// garbage between events: stale presence cache entries, empty rooms, and
// connections that died without a clean teardown.
type CleanupSupervisor struct {
	server   *WebSocketServer
	registry *RoomRegistry
	presence *services.PresenceCache
	interval time.Duration
	logger   *zap.SugaredLogger
	stop     chan struct{}
	done     chan struct{}
}

func NewCleanupSupervisor(
	server *WebSocketServer,
	registry *RoomRegistry,
	presence *services.PresenceCache,
	interval time.Duration,
	logger *zap.SugaredLogger,
) *CleanupSupervisor {
	return &CleanupSupervisor{
		server:   server,
		registry: registry,
		presence: presence,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *CleanupSupervisor) Start() {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *CleanupSupervisor) sweep() {
	deadConns := s.server.PruneDead()
	emptyRooms := s.registry.PruneEmpty()
	staleEntries := s.presence.Sweep()

	if deadConns > 0 || emptyRooms > 0 || staleEntries > 0 {
		s.logger.Infow("cleanup sweep completed",
			"dead_connections", deadConns,
			"empty_rooms", emptyRooms,
			"stale_presence_entries", staleEntries,
		)
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *CleanupSupervisor) Stop(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
