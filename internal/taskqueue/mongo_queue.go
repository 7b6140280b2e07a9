package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:        string,    // task id (the run id)
//	  payload:    []byte,    // msgpack-encoded Task
//	  not_before: int64,     // unix nanos
//	  created_at: time.Time,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "staterail", collName to "run_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "staterail"
	}
	if collName == "" {
		collName = "run_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID        string    `bson:"_id"`
	Payload   []byte    `bson:"payload"`
	NotBefore int64     `bson:"not_before"`
	CreatedAt time.Time `bson:"created_at"`
}

// Enqueue upserts the document for the given Task. A duplicate id keeps the
// queued document and only lowers its not_before.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = stamp(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	update := bson.M{
		"$setOnInsert": bson.M{"payload": data, "created_at": t.EnqueuedAt.UTC()},
		"$min":         bson.M{"not_before": t.NotBefore.UnixNano()},
	}
	_, err = q.coll.UpdateOne(ctx, bson.M{"_id": t.ID}, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// Lost an upsert race; the winner's document stands.
		return nil
	}
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	opts := options.FindOneAndDelete().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		filter := bson.M{"not_before": bson.M{"$lte": time.Now().UnixNano()}}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(ctx, filter, opts).Decode(&doc)
		if err == nil {
			return DecodeTask(doc.Payload)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		if err := idleWait(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Default().Warn("mongo queue: len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
