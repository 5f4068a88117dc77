package domain

import "time"

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is a user-facing message about a position.
type Notification struct {
	ID         string             `json:"id"`
	UserID     string             `json:"userId"`
	FID        int64              `json:"fid"`
	PositionID string             `json:"positionId"`
	Message    string             `json:"message"`
	Status     NotificationStatus `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	SentAt     *time.Time         `json:"sentAt,omitempty"`
	RetryCount int                `json:"retryCount"`
}

// Session is an authenticated Farcaster identity.
type Session struct {
	FID         int64  `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}
