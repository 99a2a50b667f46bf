package domain

import "time"

// ConnectionStatus represents the durable linkage state of a UserSite.
type ConnectionStatus string

const (
	ConnectionStatusNotConnected ConnectionStatus = "NOT_CONNECTED"
	ConnectionStatusConnected    ConnectionStatus = "CONNECTED"
	ConnectionStatusFailed       ConnectionStatus = "FAILED"
	ConnectionStatusDisconnected ConnectionStatus = "DISCONNECTED"
)

// FailureReason is the terminal outcome recorded on a failed linking attempt.
type FailureReason string

const (
	FailureReasonStepRejected FailureReason = "STEP_REJECTED"
	FailureReasonUserDenied   FailureReason = "USER_DENIED"
	FailureReasonExpired      FailureReason = "EXPIRED"
)

// UserSite represents one user's linkage to one external bank provider.
// The flow engine holds only its ID during a linking attempt and mutates
// the status exactly once, at the terminal transition.
type UserSite struct {
	ID                string           `bson:"_id" json:"id"`
	UserID            string           `bson:"user_id" json:"user_id"`
	ProviderID        string           `bson:"provider_id" json:"provider_id"`
	ProviderType      ProviderType     `bson:"provider_type" json:"provider_type"`
	Status            ConnectionStatus `bson:"status" json:"status"`
	LastFailureReason FailureReason    `bson:"last_failure_reason,omitempty" json:"last_failure_reason,omitempty"`
	CreatedAt         time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}
