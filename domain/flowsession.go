package domain

import "time"

// FlowState is the linking attempt's position in the flow state machine.
type FlowState string

const (
	FlowStateInitiated        FlowState = "INITIATED"
	FlowStateStepPending      FlowState = "STEP_PENDING"
	FlowStateStepSubmitted    FlowState = "STEP_SUBMITTED"
	FlowStateAwaitingCallback FlowState = "AWAITING_CALLBACK"
	FlowStateConnected        FlowState = "CONNECTED"
	FlowStateFailed           FlowState = "FAILED"
	FlowStateExpired          FlowState = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (s FlowState) Terminal() bool {
	switch s {
	case FlowStateConnected, FlowStateFailed, FlowStateExpired:
		return true
	}
	return false
}

// FlowSession represents one in-progress attempt to establish a UserSite
// linkage. Sessions are created by the flow engine, mutated only through
// the session store's compare-and-swap Update, and become invisible once
// terminal or expired.
type FlowSession struct {
	ID            string        `bson:"_id" json:"id"`
	UserSiteID    string        `bson:"user_site_id" json:"user_site_id"`
	ProviderID    string        `bson:"provider_id" json:"provider_id"`
	ProviderType  ProviderType  `bson:"provider_type" json:"provider_type"`
	State         FlowState     `bson:"state" json:"state"`
	StepIndex     int           `bson:"step_index" json:"step_index"`
	FailureReason FailureReason `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	// PendingTokenHash is the hash of the outstanding callback token while
	// the session sits in AWAITING_CALLBACK.
	PendingTokenHash string    `bson:"pending_token_hash,omitempty" json:"pending_token_hash,omitempty"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt        time.Time `bson:"expires_at" json:"expires_at"`
}

// Expect is the precondition for a session store Update. Both fields must
// match the stored session for the mutation to apply; a mismatch means a
// concurrent caller already advanced (or expired) the session.
type Expect struct {
	State     FlowState
	StepIndex int
}
