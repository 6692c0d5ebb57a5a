package domain

import "time"

// SenderProfile is a credentialed outbound identity with its own quotas.
type SenderProfile struct {
	ID          string
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string

	// Quotas. A zero value means unlimited for that field.
	TotalLimitPerRun int
	LimitPerMinute   int
	LimitPerHour     int

	// MinGap is the minimum enforced time between two consecutive sends from
	// this sender. GapJitter, when non-zero, widens each drawn gap to a
	// uniform value in [MinGap-GapJitter, MinGap+GapJitter].
	MinGap    time.Duration
	GapJitter time.Duration
}

// RecipientStatus represents the delivery outcome recorded for a recipient.
type RecipientStatus string

// Recipient statuses.
const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusError   RecipientStatus = "error"
)

// Recipient is one destination address plus the fields available for
// personalization.
type Recipient struct {
	Address string
	Name    string
	Fields  map[string]string
	Status  RecipientStatus
}
