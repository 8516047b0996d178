package billing

import (
	"context"
	"log/slog"
	"time"
)

// RunExpirySweep periodically expires past-due PENDING invoices until ctx
// is cancelled. Intended to run as a background goroutine next to the HTTP
// server; lazy expiry on the read path covers the window between ticks.
func (s *Service) RunExpirySweep(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	s.logger.Info("expiry sweep started", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweep stopped")
			return
		case <-ticker.C:
			n, err := s.ExpireStalePendingInvoices(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.Info("expiry sweep completed", slog.Int("expired", n))
			}
		}
	}
}
