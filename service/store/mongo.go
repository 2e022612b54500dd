package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const msgCollection = "room_messages"

// maxSeqRetry bounds the duplicate-key retry loop in Append. Per-room
// appends are serialized by the coordinator, so collisions only happen if
// two processes ever own the same room; a handful of retries is plenty.
const maxSeqRetry = 5

// MongoStore persists room messages in Mongo. The next id for a room is
// max(seq)+1 over its persisted messages, guarded by the unique
// (room_id, seq) index: a failed insert assigns nothing, so the room's
// id sequence only advances when a message actually lands.
type MongoStore struct {
	msgs *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{msgs: db.Collection(msgCollection)}
}

// EnsureIndexes creates the unique (room_id, seq) index backing both
// Tail and id assignment.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.msgs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "ensure room_messages index")
}

func (s *MongoStore) Append(ctx context.Context, draft *Message) (*Message, error) {
	for attempt := 0; attempt < maxSeqRetry; attempt++ {
		last, err := s.lastSeq(ctx, draft.RoomID)
		if err != nil {
			return nil, errors.Wrap(err, "read last seq")
		}

		persisted := *draft
		persisted.ID = last + 1
		_, err = s.msgs.InsertOne(ctx, &persisted)
		if err == nil {
			return &persisted, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			// lost the seq to a concurrent writer, re-read and retry
			continue
		}
		return nil, errors.Wrap(err, "insert message")
	}
	return nil, errors.Errorf("append: seq contention on room %s", draft.RoomID)
}

func (s *MongoStore) Tail(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.msgs.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find tail")
	}
	defer cur.Close(ctx)

	var out []*Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode tail")
	}
	// newest-first from the index, callers want ascending
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MongoStore) lastSeq(ctx context.Context, roomID string) (int64, error) {
	res := s.msgs.FindOne(ctx,
		bson.M{"room_id": roomID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return doc.Seq, nil
}
