package storage

import "time"

type Account struct {
	ID          int64
	ExternalID  string
	DisplayName string
	IsAdmin     bool
	CreatedAt   time.Time
}

// BotCredential is a Telegram bot registered by an account. EncToken is the
// bot token sealed by the keyring; it is never stored in the clear.
type BotCredential struct {
	ID        int64
	AccountID int64
	BotID     string
	EncToken  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Destination struct {
	ID        int64
	AccountID int64
	ChatID    string
	Label     string
	TopicID   *int64
	IsDefault bool
	CreatedAt time.Time
}

type Subscription struct {
	ID              int64
	AccountID       int64
	RouteToken      string
	EncSecret       string
	Repo            string
	Events          string
	BotCredentialID int64
	DestinationID   int64
	CreatedAt       time.Time
}

type SubscriptionWithOwner struct {
	Subscription
	OwnerExternalID string
}

const (
	StatusDelivered = "delivered"
	StatusIgnored   = "ignored"
	StatusError     = "error"
)

type DeliveryLogEntry struct {
	ID             int64
	CreatedAt      time.Time
	SubscriptionID *int64
	RouteToken     string
	EventType      string
	Repo           string
	Status         string
	Summary        string
	Payload        string
	Error          *string
}

type AuditEntry struct {
	AccountID int64
	Action    string
	MetaJSON  string
}
