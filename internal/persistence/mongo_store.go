package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stevebraown/StateRail/pkg/api"
)

// MongoStore implements DefinitionStore, RunStore and EventStore on
// MongoDB.
//
// Definitions live in one document per version. A run document embeds its
// events, so a run update and the events it produced are a single
// document write:
//
//	{
//	  _id:                string,    // run id
//	  definition_id:      string,
//	  definition_version: int,
//	  state:              string,
//	  revision:           int64,
//	  body:               []byte,    // msgpack-encoded run
//	  created_at:         int64,     // unix nanos
//	  finished_at:        int64,     // unix nanos, absent while active
//	  events:             []RunEvent,
//	}
type MongoStore struct {
	definitions *mongo.Collection
	runs        *mongo.Collection
}

var (
	_ DefinitionStore = (*MongoStore)(nil)
	_ RunStore        = (*MongoStore)(nil)
	_ EventStore      = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "staterail" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "staterail"
	}
	db := client.Database(dbName)
	return &MongoStore{
		definitions: db.Collection("definitions"),
		runs:        db.Collection("runs"),
	}
}

// NewMongoPersistence returns a Persistence whose stores share one
// MongoStore.
func NewMongoPersistence(client *mongo.Client, dbName string) Persistence {
	s := NewMongoStore(client, dbName)
	return Persistence{Definitions: s, Runs: s, Events: s}
}

type mongoDefinitionDoc struct {
	ID           string `bson:"_id"`
	DefinitionID string `bson:"definition_id"`
	Version      int    `bson:"version"`
	Body         []byte `bson:"body"`
	CreatedAt    int64  `bson:"created_at"`
}

type mongoRunDoc struct {
	ID                string         `bson:"_id"`
	DefinitionID      string         `bson:"definition_id"`
	DefinitionVersion int            `bson:"definition_version"`
	State             string         `bson:"state"`
	Revision          int64          `bson:"revision"`
	Body              []byte         `bson:"body"`
	CreatedAt         int64          `bson:"created_at"`
	FinishedAt        *int64         `bson:"finished_at,omitempty"`
	Events            []api.RunEvent `bson:"events"`
}

func (s *MongoStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	body, err := encodeDefinition(def)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	// _id is "<id>@<version>", so two publishers racing for the same
	// version collide on the primary key and the loser retries.
	for {
		latest, err := s.latestVersion(ctx, def.ID)
		if err != nil {
			return api.WorkflowDefinition{}, err
		}
		version := latest + 1
		doc := mongoDefinitionDoc{
			ID:           definitionKey(def.ID, version),
			DefinitionID: def.ID,
			Version:      version,
			Body:         body,
			CreatedAt:    time.Now().UnixNano(),
		}
		_, err = s.definitions.InsertOne(ctx, doc)
		if err == nil {
			return decodeDefinition(body, version)
		}
		if !mongo.IsDuplicateKeyError(err) {
			return api.WorkflowDefinition{}, fmt.Errorf("save definition %s: %w", def.ID, err)
		}
		if ctx.Err() != nil {
			return api.WorkflowDefinition{}, ctx.Err()
		}
	}
}

func (s *MongoStore) latestVersion(ctx context.Context, id string) (int, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var doc mongoDefinitionDoc
	err := s.definitions.FindOne(ctx, bson.M{"definition_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (s *MongoStore) GetDefinition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error) {
	var doc mongoDefinitionDoc
	err := s.definitions.FindOne(ctx, bson.M{"_id": definitionKey(id, version)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.WorkflowDefinition{}, definitionNotFound(id, version)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return decodeDefinition(doc.Body, doc.Version)
}

func (s *MongoStore) LatestDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var doc mongoDefinitionDoc
	err := s.definitions.FindOne(ctx, bson.M{"definition_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.WorkflowDefinition{}, definitionNotFound(id, 0)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return decodeDefinition(doc.Body, doc.Version)
}

func (s *MongoStore) ListDefinitionVersions(ctx context.Context, id string) ([]int, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "version", Value: 1}}).
		SetProjection(bson.M{"version": 1})
	cur, err := s.definitions.Find(ctx, bson.M{"definition_id": id}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var versions []int
	for cur.Next(ctx) {
		var doc mongoDefinitionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		versions = append(versions, doc.Version)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, definitionNotFound(id, 0)
	}
	return versions, nil
}

func (s *MongoStore) CreateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error {
	body, err := encodeRun(run, 1)
	if err != nil {
		return err
	}
	doc := mongoRunDoc{
		ID:                run.ID,
		DefinitionID:      run.Definition.ID,
		DefinitionVersion: run.Definition.Version,
		State:             string(run.State),
		Revision:          1,
		Body:              body,
		CreatedAt:         run.CreatedAt.UnixNano(),
		FinishedAt:        mongoNanos(finishedAt(run)),
		Events:            eventsForRun(run.ID, events),
	}
	_, err = s.runs.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrRunExists
	}
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	run.Version = 1
	return nil
}

func (s *MongoStore) UpdateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error {
	expected := run.Version
	body, err := encodeRun(run, expected+1)
	if err != nil {
		return err
	}

	set := bson.M{
		"state":    string(run.State),
		"revision": expected + 1,
		"body":     body,
	}
	update := bson.M{"$set": set}
	if at := mongoNanos(finishedAt(run)); at != nil {
		set["finished_at"] = *at
	}
	if len(events) > 0 {
		update["$push"] = bson.M{"events": bson.M{"$each": eventsForRun(run.ID, events)}}
	}

	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": run.ID, "revision": expected}, update)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if res.MatchedCount == 0 {
		n, err := s.runs.CountDocuments(ctx, bson.M{"_id": run.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return runNotFound(run.ID)
		}
		return conflict(run.ID, expected)
	}
	run.Version = expected + 1
	return nil
}

func (s *MongoStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	opts := options.FindOne().SetProjection(bson.M{"events": 0})
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, runNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(doc.Body, doc.Revision)
}

func (s *MongoStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	query := bson.M{}
	if filter.DefinitionID != "" {
		query["definition_id"] = filter.DefinitionID
	}
	if filter.State != "" {
		query["state"] = string(filter.State)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"events": 0})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.runs.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Run
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		run, err := decodeRun(doc.Body, doc.Revision)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, cur.Err()
}

func (s *MongoStore) DeleteRuns(ctx context.Context, finishedBefore time.Time) (int, error) {
	res, err := s.runs.DeleteMany(ctx, bson.M{
		"finished_at": bson.M{"$lt": finishedBefore.UnixNano()},
	})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	opts := options.FindOne().SetProjection(bson.M{"events": 1})
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, runNotFound(runID)
	}
	if err != nil {
		return nil, err
	}
	for i := range doc.Events {
		doc.Events[i].At = doc.Events[i].At.UTC()
	}
	return numberEvents(runID, doc.Events), nil
}

func definitionKey(id string, version int) string {
	return api.DefinitionRef{ID: id, Version: version}.String()
}

func eventsForRun(runID string, events []api.RunEvent) []api.RunEvent {
	out := make([]api.RunEvent, len(events))
	for i, ev := range events {
		ev.RunID = runID
		ev.Seq = 0
		out[i] = ev
	}
	return out
}

func mongoNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}
