package domain

import "time"

// CallbackToken is a one-time correlation value embedded in an outbound
// redirect and expected back on the inbound callback. Its own TTL is
// shorter than the session TTL to bound the external round-trip.
type CallbackToken struct {
	Value     string    `json:"value"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}
