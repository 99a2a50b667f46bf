// Package flowstore holds in-flight linking sessions. Two
// implementations exist: an in-memory store for single-instance
// deployments and tests, and a Redis-backed store for multi-instance
// deployments. Both enforce the same contract: at most one active
// session per UserSite, and compare-and-swap updates so concurrent
// advances on the same session have exactly one winner.
package flowstore

import "time"

// Default session lifetimes. Redirect flows are short because the
// external consent round-trip is expected to complete within minutes;
// form flows get longer since the user may be typing credentials and
// answering an MFA challenge.
const (
	DefaultRedirectTTL = 10 * time.Minute
	DefaultFormTTL     = 30 * time.Minute
)
