package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/moneta-dev/sitelink/domain"
)

// ErrUserSiteNotFound is returned when no UserSite matches the given ID.
var ErrUserSiteNotFound = errors.New("user site not found")

// UserSiteRepositoryMongo implements domain.UserSiteRepository using
// MongoDB. The surface is deliberately restricted to single-record
// operations; there is no list and no bulk delete.
type UserSiteRepositoryMongo struct {
	collection *mongo.Collection
}

// NewUserSiteRepositoryMongo creates the repository and ensures its
// indexes.
func NewUserSiteRepositoryMongo(ctx context.Context, db *mongo.Database) (domain.UserSiteRepository, error) {
	repo := &UserSiteRepositoryMongo{
		collection: db.Collection(UserSitesCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			// One linkage per user and provider.
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index(),
		},
	}
	if _, err := repo.collection.Indexes().CreateMany(ctx, indexModels, options.CreateIndexes()); err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for user_sites collection (might already exist)")
	}

	return repo, nil
}

// CreateUserSite inserts a new linkage record in NOT_CONNECTED state.
func (r *UserSiteRepositoryMongo) CreateUserSite(ctx context.Context, site *domain.UserSite) error {
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	if site.Status == "" {
		site.Status = domain.ConnectionStatusNotConnected
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now().UTC()
	}

	if _, err := r.collection.InsertOne(ctx, site); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user site for user %s and provider %s already exists", site.UserID, site.ProviderID)
		}
		log.Error().Err(err).Msg("Error storing user site in MongoDB")
		return err
	}
	return nil
}

// LoadUserSite fetches a linkage record by ID.
func (r *UserSiteRepositoryMongo) LoadUserSite(ctx context.Context, id string) (*domain.UserSite, error) {
	var site domain.UserSite
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&site)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserSiteNotFound
		}
		log.Error().Err(err).Str("id", id).Msg("Error loading user site from MongoDB")
		return nil, err
	}
	return &site, nil
}

// SaveUserSite replaces the stored record for the site's ID.
func (r *UserSiteRepositoryMongo) SaveUserSite(ctx context.Context, site *domain.UserSite) error {
	site.UpdatedAt = time.Now().UTC()
	res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": site.ID}, site)
	if err != nil {
		log.Error().Err(err).Str("id", site.ID).Msg("Error saving user site in MongoDB")
		return err
	}
	if res.MatchedCount == 0 {
		return ErrUserSiteNotFound
	}
	return nil
}
