package domain

import "time"

// PaymentEvent records a processed payment-provider event ID.
// Records are inserted once and never updated.
type PaymentEvent struct {
	ID         string
	Type       string
	ReceivedAt time.Time
}

// EventOutcome describes what processing a payment event did.
type EventOutcome string

const (
	EventProcessed  EventOutcome = "processed"
	EventDuplicate  EventOutcome = "duplicate"
	EventIgnored    EventOutcome = "ignored"
	EventUnresolved EventOutcome = "unresolved"
)
