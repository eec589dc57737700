// Package refresh keeps presence entries of long-lived connections from
// expiring while the connection is still open.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/reviewroom/internal/logging"
	"github.com/manpreetbhatti/reviewroom/internal/presence"
	"github.com/manpreetbhatti/reviewroom/internal/ws"
)

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		Timeout:  10 * time.Second,
	}
}

// EntrySource lists the connections held by this process.
type EntrySource interface {
	Entries() []*ws.Entry
	HasUser(room string, userID int64) bool
}

type Service struct {
	source EntrySource
	store  presence.Store
	config Config
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(source EntrySource, store presence.Store, config Config, logger zerolog.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Service{
		source: source,
		store:  store,
		config: config,
		logger: logging.Component(logger, "refresh"),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("interval", s.config.Interval).Msg("Presence refresh started")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.logger.Info().Msg("Presence refresh stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RefreshNow()
		}
	}
}

// RefreshNow re-announces every local connection to the presence store and
// returns how many entries were written.
func (s *Service) RefreshNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	refreshed, failed := 0, 0
	for _, entry := range s.source.Entries() {
		meta := presence.Metadata{
			UserID:       entry.Identity.UserID,
			Username:     entry.Identity.Username,
			ConnectionID: entry.ConnID,
			JoinTime:     entry.JoinedAt,
		}
		if err := s.store.AddMember(ctx, entry.Room, entry.Identity.UserID, meta); err != nil {
			failed++
			continue
		}
		// The connection may have torn down after the snapshot; undo the write
		// unless another local connection still holds the user in the room.
		if !s.source.HasUser(entry.Room, entry.Identity.UserID) {
			if err := s.store.RemoveMember(ctx, entry.Room, entry.Identity.UserID); err != nil {
				s.logger.Warn().Err(err).Str("room", entry.Room).Int64("user_id", entry.Identity.UserID).Msg("Failed to drop refreshed entry of a closed connection")
			}
			continue
		}
		refreshed++
	}

	if failed > 0 {
		s.logger.Warn().Int("refreshed", refreshed).Int("failed", failed).Msg("Presence refresh incomplete")
	} else if refreshed > 0 {
		s.logger.Debug().Int("refreshed", refreshed).Msg("Presence refreshed")
	}
	return refreshed
}
