// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/scopeflow/scopeflow/pkg/config"
	"github.com/scopeflow/scopeflow/pkg/services"
)

// Service periodically enforces retention policies:
//   - Purges sessions soft-deleted longer than the retention window
//     (activity and pass rows cascade with them)
//   - Trims old activity entries from terminal sessions
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config          *config.RetentionConfig
	sessionService  *services.SessionService
	activityService *services.ActivityService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	cfg *config.RetentionConfig,
	sessionService *services.SessionService,
	activityService *services.ActivityService,
) *Service {
	return &Service{
		config:          cfg,
		sessionService:  sessionService,
		activityService: activityService,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_retention_days", s.config.SessionRetentionDays,
		"activity_retention_days", s.config.ActivityRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeDeletedSessions(ctx)
	s.purgeTerminalActivity(ctx)
}

func (s *Service) purgeDeletedSessions(_ context.Context) {
	count, err := s.sessionService.PurgeDeletedSessions(context.Background(), s.config.SessionRetentionDays)
	if err != nil {
		slog.Error("Retention: session purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged deleted sessions", "count", count)
	}
}

func (s *Service) purgeTerminalActivity(_ context.Context) {
	count, err := s.activityService.PurgeTerminalActivity(context.Background(), s.config.ActivityRetentionDays)
	if err != nil {
		slog.Error("Retention: activity purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged old activity", "count", count)
	}
}
