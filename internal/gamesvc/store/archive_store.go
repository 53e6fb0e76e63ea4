package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/ttt-services/internal/db"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const archiveCollection = "game_records"

// ArchiveStore keeps finished games in Mongo for replay. Records expire
// through a TTL index on expires_at.
type ArchiveStore struct {
	coll *mongo.Collection
	ttl  time.Duration
}

func NewArchiveStore(ctx context.Context, database *mongo.Database, ttl time.Duration) (*ArchiveStore, error) {
	if err := db.CreateTTLIndexForCollection(ctx, database, archiveCollection); err != nil {
		return nil, fmt.Errorf("failed to create archive ttl index: %w", err)
	}
	return &ArchiveStore{coll: database.Collection(archiveCollection), ttl: ttl}, nil
}

func (s *ArchiveStore) SaveRecord(ctx context.Context, record *models.GameRecord) error {
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.FinishedAt.Add(s.ttl)
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"game_id": record.GameID},
		record,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to archive game %d: %w", record.GameID, err)
	}
	return nil
}

// GetRecord returns nil, nil when the game was never archived or expired.
func (s *ArchiveStore) GetRecord(ctx context.Context, gameID int64) (*models.GameRecord, error) {
	var record models.GameRecord
	err := s.coll.FindOne(ctx, bson.M{"game_id": gameID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load archived game %d: %w", gameID, err)
	}
	return &record, nil
}
