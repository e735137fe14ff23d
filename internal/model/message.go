package model

import (
	"time"
)

// Direction of a message relative to the router.
type Direction string

const (
	DirectionIncoming Direction = "I"
	DirectionOutgoing Direction = "O"
)

// Status is the persisted lifecycle state of a message. The single letter
// codes are stored as-is and appear in the JSON representation.
type Status string

const (
	StatusReceived   Status = "R"
	StatusHandled    Status = "H"
	StatusProcessing Status = "P"
	StatusQueued     Status = "Q"
	StatusLocked     Status = "L"
	StatusSent       Status = "S"
	StatusDelivered  Status = "D"
	StatusCancelled  Status = "C"
	StatusErrored    Status = "E"
	StatusFailed     Status = "F"
)

var statusNames = map[Status]string{
	StatusReceived:   "received",
	StatusHandled:    "handled",
	StatusProcessing: "processing",
	StatusQueued:     "queued",
	StatusLocked:     "locked",
	StatusSent:       "sent",
	StatusDelivered:  "delivered",
	StatusCancelled:  "cancelled",
	StatusErrored:    "errored",
	StatusFailed:     "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown(" + string(s) + ")"
}

// Valid reports whether s is a known status code.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Connection pairs a backend with a normalized address.
type Connection struct {
	ID       int64
	Backend  string
	Identity string
}

// Message is the central persisted entity.
type Message struct {
	ID           int64
	Connection   Connection
	Text         string
	Direction    Direction
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SentAt       *time.Time
	DeliveredAt  *time.Time
	ExternalID   string
	InResponseTo *int64
	LockedBy     string
	LockedAt     *time.Time
}

// DeliveryError records one failed dispatch attempt.
type DeliveryError struct {
	ID        int64
	MessageID int64
	Log       string
	CreatedAt time.Time
}

// NewMessage carries the fields needed to persist a message.
type NewMessage struct {
	Connection   Connection
	Text         string
	Direction    Direction
	Status       Status
	InResponseTo *int64
}

// MessageJSON is the wire representation used by the intake API.
type MessageJSON struct {
	ID        int64     `json:"id"`
	Contact   string    `json:"contact"`
	Backend   string    `json:"backend"`
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
}

func (m *Message) JSON() MessageJSON {
	return MessageJSON{
		ID:        m.ID,
		Contact:   m.Connection.Identity,
		Backend:   m.Connection.Backend,
		Direction: m.Direction,
		Status:    m.Status,
		Text:      m.Text,
		Date:      m.CreatedAt,
	}
}
