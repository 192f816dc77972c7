// Package docstore implements store.Store on MongoDB. Each target is a
// collection whose documents are keyed by source, date and slot; the known
// field set of every target is kept in the _schema collection.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gridingest/internal/record"
	"gridingest/internal/store"
)

const (
	schemaCollection = "_schema"
	errorsCollection = "ingest_errors"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*Store)(nil)

// Open connects to uri and selects database name.
func Open(ctx context.Context, uri, name string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	s := &Store{client: client, db: client.Database(name)}
	if err := s.Health(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	_, err = s.db.Collection(errorsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "source_key", Value: 1}, {Key: "ts", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, s.wrap("create error index", err)
	}
	return s, nil
}

func (s *Store) Driver() string { return "mongo" }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Health(ctx context.Context) error {
	return s.wrap("health", s.client.Ping(ctx, nil))
}

func (s *Store) wrap(op string, err error) error {
	return store.Wrap(op, err, classify)
}

func classify(err error) (transient, constraint bool) {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return false, true
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return true, false
	}
	return false, false
}

func docID(sourceKey string, key record.Key) string {
	return fmt.Sprintf("%s|%s|%s", sourceKey, key.Date, record.SlotString(key.Slot))
}

func (s *Store) EnsureTarget(ctx context.Context, target string) error {
	_, err := s.db.Collection(target).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: store.ColSourceKey, Value: 1}, {Key: store.ColDate, Value: -1}, {Key: store.ColSlot, Value: -1}},
	})
	return s.wrap("ensure target "+target, err)
}

type fieldDoc struct {
	ID      string    `bson:"_id"`
	Target  string    `bson:"target"`
	Name    string    `bson:"name"`
	Kind    string    `bson:"kind"`
	AddedAt time.Time `bson:"added_at"`
}

func (s *Store) Fields(ctx context.Context, target string) ([]store.Field, error) {
	cur, err := s.db.Collection(schemaCollection).Find(ctx, bson.M{"target": target},
		options.Find().SetSort(bson.D{{Key: "added_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, s.wrap("list fields", err)
	}
	var docs []fieldDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, s.wrap("list fields", err)
	}
	out := make([]store.Field, 0, len(docs))
	for _, d := range docs {
		out = append(out, store.Field{Name: d.Name, Kind: record.FieldKind(d.Kind)})
	}
	return out, nil
}

// AddField registers the field. Documents are schema-free, so registration is
// the whole structural change.
func (s *Store) AddField(ctx context.Context, target string, f store.Field) error {
	if store.Reserved[f.Name] {
		return &store.StoreError{Op: "add field", Constraint: true, Err: fmt.Errorf("%q is reserved", f.Name)}
	}
	_, err := s.db.Collection(schemaCollection).InsertOne(ctx, fieldDoc{
		ID: target + "/" + f.Name, Target: target, Name: f.Name, Kind: string(f.Kind), AddedAt: time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrFieldExists
	}
	return s.wrap("add field "+f.Name, err)
}

func (s *Store) FindLast(ctx context.Context, target string, l store.Lookup) (*record.AggregatedRecord, error) {
	filter := bson.M{store.ColSourceKey: l.SourceKey}
	if l.Key != nil {
		filter = bson.M{"_id": docID(l.SourceKey, *l.Key)}
	}
	opts := options.FindOne().SetSort(bson.D{{Key: store.ColDate, Value: -1}, {Key: store.ColSlot, Value: -1}})
	var doc bson.M
	err := s.db.Collection(target).FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("find last", err)
	}
	return decodeRecord(l.SourceKey, doc)
}

func decodeRecord(sourceKey string, doc bson.M) (*record.AggregatedRecord, error) {
	rec := &record.AggregatedRecord{SourceKey: sourceKey, Fields: map[string]record.Value{}}
	for name, raw := range doc {
		switch name {
		case store.ColDate:
			d, err := parseDate(raw)
			if err != nil {
				return nil, err
			}
			rec.Key.Date = d
		case store.ColSlot:
			str, _ := raw.(string)
			t, err := record.ParseSlot(str)
			if err != nil {
				return nil, err
			}
			rec.Key.Slot = t
		case store.ColBlockNo:
			v, _ := record.FromAny(raw)
			n, _ := v.AsInt()
			rec.Key.BlockNo = int(n)
		default:
			if store.Reserved[name] || raw == nil {
				continue
			}
			v, err := record.FromAny(raw)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			rec.Fields[name] = v
		}
	}
	return rec, nil
}

// Upsert applies $set for the record's fields, so absent fields survive.
func (s *Store) Upsert(ctx context.Context, target string, rec record.AggregatedRecord, at time.Time) (store.WriteOutcome, error) {
	at = at.UTC()
	set := bson.M{
		store.ColSourceKey:  rec.SourceKey,
		store.ColDate:       rec.Key.Date.String(),
		store.ColSlot:       record.SlotString(rec.Key.Slot),
		store.ColBlockNo:    rec.Key.BlockNo,
		store.ColUpdatedAt:  at,
		store.ColObservedAt: at,
	}
	for name, v := range rec.Fields {
		if store.Reserved[name] {
			return 0, &store.StoreError{Op: "upsert", Constraint: true, Err: fmt.Errorf("field %q is reserved", name)}
		}
		set[name] = v.Any()
	}
	update := bson.M{"$set": set, "$setOnInsert": bson.M{store.ColInsertedAt: at}}
	res, err := s.db.Collection(target).UpdateOne(ctx, bson.M{"_id": docID(rec.SourceKey, rec.Key)}, update, options.Update().SetUpsert(true))
	if err != nil {
		return 0, s.wrap("upsert", err)
	}
	if res.UpsertedCount > 0 {
		return store.Inserted, nil
	}
	return store.Updated, nil
}

func (s *Store) Touch(ctx context.Context, target, sourceKey string, key record.Key, at time.Time) error {
	_, err := s.db.Collection(target).UpdateOne(ctx, bson.M{"_id": docID(sourceKey, key)},
		bson.M{"$set": bson.M{store.ColObservedAt: at.UTC()}})
	return s.wrap("touch", err)
}

func (s *Store) Stamps(ctx context.Context, target, sourceKey string, key record.Key) (*store.Stamps, error) {
	var doc struct {
		InsertedAt time.Time `bson:"inserted_at"`
		UpdatedAt  time.Time `bson:"updated_at"`
		ObservedAt time.Time `bson:"observed_at"`
	}
	err := s.db.Collection(target).FindOne(ctx, bson.M{"_id": docID(sourceKey, key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("stamps", err)
	}
	return &store.Stamps{InsertedAt: doc.InsertedAt.UTC(), UpdatedAt: doc.UpdatedAt.UTC(), ObservedAt: doc.ObservedAt.UTC()}, nil
}

type errorDoc struct {
	ID        string    `bson:"_id"`
	SourceKey string    `bson:"source_key"`
	Stage     string    `bson:"stage"`
	TickID    string    `bson:"tick_id"`
	Timestamp time.Time `bson:"ts"`
	Message   string    `bson:"message"`
}

func (s *Store) AppendError(ctx context.Context, rec record.ErrorRecord) error {
	_, err := s.db.Collection(errorsCollection).InsertOne(ctx, errorDoc{
		ID: rec.ID, SourceKey: rec.SourceKey, Stage: rec.Stage, TickID: rec.TickID,
		Timestamp: rec.Timestamp.UTC(), Message: rec.Message,
	})
	return s.wrap("append error", err)
}

func (s *Store) ListErrors(ctx context.Context, q store.ErrorQuery) ([]record.ErrorRecord, error) {
	filter := bson.M{}
	if q.SourceKey != "" {
		filter["source_key"] = q.SourceKey
	}
	if !q.Since.IsZero() {
		filter["ts"] = bson.M{"$gte": q.Since.UTC()}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "ts", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(q.EffectiveLimit()))
	cur, err := s.db.Collection(errorsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, s.wrap("list errors", err)
	}
	var docs []errorDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, s.wrap("list errors", err)
	}
	out := make([]record.ErrorRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, record.ErrorRecord{
			ID: d.ID, SourceKey: d.SourceKey, Stage: d.Stage, TickID: d.TickID,
			Timestamp: d.Timestamp.UTC(), Message: d.Message,
		})
	}
	return out, nil
}

func parseDate(raw any) (civil.Date, error) {
	str, ok := raw.(string)
	if !ok {
		return civil.Date{}, fmt.Errorf("record_date has type %T", raw)
	}
	return civil.ParseDate(str)
}
