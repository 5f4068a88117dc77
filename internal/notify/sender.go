package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

// LogSender writes notifications to the log instead of delivering them.
// Used when no delivery provider is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("log_sender")}
}

// Send logs the notification and always succeeds.
func (s *LogSender) Send(_ context.Context, n domain.Notification) error {
	s.logger.Info("Notification",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.Int64("fid", n.FID),
		zap.String("message", n.Message))
	return nil
}
