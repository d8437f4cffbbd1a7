package domain

import "time"

// Status is the delivery state of a message.
//
//	pending -> sent | failed
//	sent -> delivered -> read
//
// failed and read are terminal, except that a late confirmation of the same
// request moves failed to sent.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanAdvance reports whether moving from s to next is a forward transition.
// Equal states are not an advance.
func (s Status) CanAdvance(next Status) bool {
	switch s {
	case StatusPending:
		return next != StatusPending
	case StatusFailed:
		return next == StatusSent
	case StatusSent, StatusDelivered:
		return next != StatusFailed && next != StatusPending && next > s
	default:
		return false
	}
}

// Max returns the further-along of two confirmed statuses (sent, delivered, read).
func (s Status) Max(other Status) Status {
	if s.CanAdvance(other) {
		return other
	}
	return s
}

// StatusFromTimestamps derives the status of a server-confirmed message.
func StatusFromTimestamps(deliveredAt, readAt *time.Time) Status {
	switch {
	case readAt != nil:
		return StatusRead
	case deliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}
