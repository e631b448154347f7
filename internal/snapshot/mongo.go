package snapshot

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opex/trading-engine/internal/model"
)

// documentID is the fixed id of the single snapshot document.
const documentID = "dump"

// requiredKeys are the fields a snapshot document must carry to be loaded.
var requiredKeys = []string{
	"currentPrice",
	"openOrders",
	"userBalances",
	"lastConsumedStreamItemId",
	"lastSnapShotAt",
}

// MongoStore implements Store on one MongoDB collection holding a single
// document {id: "dump", data: {...}}.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a snapshot store on the given collection.
func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{coll: client.Database(database).Collection(collection)}
}

type document struct {
	ID   string   `bson:"id"`
	Data bson.Raw `bson:"data"`
}

func (s *MongoStore) Load(ctx context.Context) (*model.Snapshot, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"id": documentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	return DecodeDocument(doc.Data)
}

// DecodeDocument validates and decodes the data field of a snapshot
// document. Split out so shape validation is testable without a server.
func DecodeDocument(data bson.Raw) (*model.Snapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrInvalidSnapshot)
	}
	for _, key := range requiredKeys {
		if _, err := data.LookupErr(key); err != nil {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidSnapshot, key)
		}
	}

	var snap model.Snapshot
	if err := bson.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &snap, nil
}

func (s *MongoStore) Save(ctx context.Context, snap *model.Snapshot) error {
	opts := options.FindOneAndReplace().SetUpsert(true)
	res := s.coll.FindOneAndReplace(ctx,
		bson.M{"id": documentID},
		bson.M{"id": documentID, "data": snap},
		opts,
	)
	if err := res.Err(); err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}
