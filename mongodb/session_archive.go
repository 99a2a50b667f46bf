package mongodb

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/moneta-dev/sitelink/domain"
)

// SessionArchive persists terminal flow sessions for audit. A TTL index
// on expires_at prunes records after the retention window, so the
// collection stays short-lived storage, not a durable ledger.
type SessionArchive struct {
	collection *mongo.Collection
}

const archiveRetentionSeconds = 7 * 24 * 60 * 60

// NewSessionArchive creates the archive and ensures its TTL index.
func NewSessionArchive(ctx context.Context, db *mongo.Database) (*SessionArchive, error) {
	archive := &SessionArchive{
		collection: db.Collection(ArchivedSessionsCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(archiveRetentionSeconds),
		},
		{
			Keys:    bson.D{{Key: "user_site_id", Value: 1}},
			Options: options.Index(),
		},
	}
	if _, err := archive.collection.Indexes().CreateMany(ctx, indexModels, options.CreateIndexes()); err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for archived_flow_sessions collection (might already exist)")
	}

	return archive, nil
}

// Archive stores a terminal session. Re-archiving the same session is a
// no-op upsert, so at-least-once delivery from the sweep is safe.
func (a *SessionArchive) Archive(ctx context.Context, session *domain.FlowSession) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := a.collection.ReplaceOne(ctx, bson.M{"_id": session.ID}, session, opts); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Error archiving flow session in MongoDB")
		return err
	}
	return nil
}
