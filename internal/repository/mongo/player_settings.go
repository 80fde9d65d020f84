package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const playerSettingsID = "player"

type playerSettingsDoc struct {
	ID               string `bson:"_id"`
	Muted            *bool  `bson:"muted,omitempty"`
	LastVisibleIndex *int   `bson:"lastVisibleIndex,omitempty"`
	UpdatedAt        int64  `bson:"updatedAt"`
}

type PlayerSettingsRepository struct {
	collection *mongo.Collection
}

func NewPlayerSettingsRepository(client *mongo.Client, dbName string) *PlayerSettingsRepository {
	return &PlayerSettingsRepository{collection: client.Database(dbName).Collection("settings")}
}

func (r *PlayerSettingsRepository) GetMuted(ctx context.Context) (bool, bool, error) {
	doc, err := r.load(ctx)
	if err != nil {
		return false, false, err
	}
	if doc == nil || doc.Muted == nil {
		return false, false, nil
	}
	return *doc.Muted, true, nil
}

func (r *PlayerSettingsRepository) SetMuted(ctx context.Context, muted bool) error {
	return r.set(ctx, bson.M{"muted": muted})
}

func (r *PlayerSettingsRepository) GetLastVisibleIndex(ctx context.Context) (int, bool, error) {
	doc, err := r.load(ctx)
	if err != nil {
		return 0, false, err
	}
	if doc == nil || doc.LastVisibleIndex == nil {
		return 0, false, nil
	}
	return *doc.LastVisibleIndex, true, nil
}

func (r *PlayerSettingsRepository) SetLastVisibleIndex(ctx context.Context, index int) error {
	return r.set(ctx, bson.M{"lastVisibleIndex": index})
}

func (r *PlayerSettingsRepository) load(ctx context.Context) (*playerSettingsDoc, error) {
	var doc playerSettingsDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": playerSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (r *PlayerSettingsRepository) set(ctx context.Context, fields bson.M) error {
	fields["updatedAt"] = time.Now().Unix()
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": playerSettingsID},
		bson.M{"$set": fields},
		options.Update().SetUpsert(true),
	)
	return err
}
