package mongodb

const (
	// UserSitesCollection holds durable user-to-provider linkage records.
	UserSitesCollection = "user_sites"
	// ArchivedSessionsCollection receives terminal flow sessions for audit;
	// a TTL index prunes them.
	ArchivedSessionsCollection = "archived_flow_sessions"
)
