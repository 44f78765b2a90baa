package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/evalflow/pkg/api"
)

// MongoQueue implements Queue on a MongoDB collection. Each task is one
// document; claims use FindOneAndUpdate, which is atomic per document.
//
// Document schema:
//
//	{
//	  _id:              string,  // task ID
//	  name:             string,
//	  args:             string,  // JSON
//	  status:           string,
//	  priority:         int,
//	  retry_count:      int,
//	  max_retries:      int,
//	  created_at:       int64,   // unix nanos
//	  seq:              int64,
//	  started_at, completed_at, not_before, lease_expires_at: int64
//	  last_error, lease_owner: string
//	}
//
// Equal-priority tasks are claimed in created_at order, then seq order. seq
// comes from a counter document in the "<collection>_seq" collection, so it
// orders tasks enqueued in the same nanosecond by different processes.
type MongoQueue struct {
	coll     *mongo.Collection
	counters *mongo.Collection
	cfg      config
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID             string `bson:"_id"`
	Name           string `bson:"name"`
	Args           string `bson:"args,omitempty"`
	Status         string `bson:"status"`
	Priority       int    `bson:"priority"`
	RetryCount     int    `bson:"retry_count"`
	MaxRetries     int    `bson:"max_retries"`
	CreatedAt      int64  `bson:"created_at"`
	Seq            int64  `bson:"seq"`
	StartedAt      int64  `bson:"started_at"`
	CompletedAt    int64  `bson:"completed_at"`
	NotBefore      int64  `bson:"not_before"`
	LastError      string `bson:"last_error"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

func (d *mongoTaskDoc) task() *api.Task {
	t := &api.Task{
		ID:             d.ID,
		Name:           d.Name,
		Status:         api.TaskStatus(d.Status),
		Priority:       d.Priority,
		RetryCount:     d.RetryCount,
		MaxRetries:     d.MaxRetries,
		CreatedAt:      fromNanos(d.CreatedAt),
		StartedAt:      fromNanos(d.StartedAt),
		CompletedAt:    fromNanos(d.CompletedAt),
		NotBefore:      fromNanos(d.NotBefore),
		LastError:      d.LastError,
		LeaseOwner:     d.LeaseOwner,
		LeaseExpiresAt: fromNanos(d.LeaseExpiresAt),
	}
	if d.Args != "" {
		t.Args = []byte(d.Args)
	}
	return t
}

// NewMongoQueue creates a Mongo-backed queue and its claim index.
// dbName defaults to "evalflow", collName to "tasks".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string, opts ...Option) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "evalflow"
	}
	if collName == "" {
		collName = "tasks"
	}
	db := client.Database(dbName)
	q := &MongoQueue{
		coll:     db.Collection(collName),
		counters: db.Collection(collName + "_seq"),
		cfg:      newConfig(opts),
	}
	_, err := q.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "priority", Value: -1},
			{Key: "created_at", Value: 1},
			{Key: "seq", Value: 1},
		}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "lease_expires_at", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (q *MongoQueue) Enqueue(ctx context.Context, name string, args any, opts ...EnqueueOption) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	o := q.cfg.enqueueOptions(opts)

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	seq, err := q.nextSeq(ctx)
	if err != nil {
		return "", err
	}
	now := q.cfg.now().UTC().UnixNano()
	nb := now
	if !o.notBefore.IsZero() {
		nb = o.notBefore.UnixNano()
	}
	doc := mongoTaskDoc{
		ID:         id,
		Name:       name,
		Args:       string(raw),
		Status:     string(api.TaskPending),
		Priority:   o.priority,
		MaxRetries: o.maxRetries,
		CreatedAt:  now,
		Seq:        seq,
		NotBefore:  nb,
	}
	if _, err := q.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", ErrDuplicateTask
		}
		return "", err
	}
	return id, nil
}

// nextSeq increments the shared enqueue counter.
func (q *MongoQueue) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := q.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "enqueue"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

func (q *MongoQueue) ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*api.Task, error) {
	now := q.cfg.now().UTC()
	nowInt := now.UnixNano()

	if _, err := q.coll.UpdateMany(ctx,
		bson.M{"status": string(api.TaskRetrying), "not_before": bson.M{"$lte": nowInt}},
		bson.M{"$set": bson.M{"status": string(api.TaskPending)}},
	); err != nil {
		return nil, err
	}

	filter := bson.M{
		"status":     string(api.TaskPending),
		"not_before": bson.M{"$lte": nowInt},
	}
	update := bson.M{"$set": bson.M{
		"status":           string(api.TaskRunning),
		"started_at":       nowInt,
		"lease_owner":      owner,
		"lease_expires_at": now.Add(leaseTTL).UnixNano(),
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{
			{Key: "priority", Value: -1},
			{Key: "created_at", Value: 1},
			{Key: "seq", Value: 1},
		}).
		SetReturnDocument(options.After)

	var doc mongoTaskDoc
	err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.task(), nil
}

func (q *MongoQueue) Complete(ctx context.Context, id, owner string) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(api.TaskRunning), "lease_owner": owner},
		bson.M{"$set": bson.M{
			"status":           string(api.TaskCompleted),
			"completed_at":     q.cfg.now().UTC().UnixNano(),
			"lease_owner":      "",
			"lease_expires_at": int64(0),
		}},
	)
	if err != nil {
		return err
	}
	return q.checkOwned(ctx, res, id)
}

func (q *MongoQueue) Fail(ctx context.Context, id, owner string, cause error) (api.TaskStatus, error) {
	t, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != api.TaskRunning || t.LeaseOwner != owner {
		return "", api.ErrLeaseLost
	}
	f := decideFailure(t.RetryCount, t.MaxRetries, cause, q.cfg.policy, q.cfg.now().UTC())
	ok, err := q.applyFailure(ctx, t, f, owner)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", api.ErrLeaseLost
	}
	return f.status, nil
}

func (q *MongoQueue) applyFailure(ctx context.Context, t *api.Task, f failure, owner string) (bool, error) {
	set := bson.M{
		"status":           string(f.status),
		"retry_count":      f.retryCount,
		"last_error":       f.lastError,
		"lease_owner":      "",
		"lease_expires_at": int64(0),
	}
	if f.status == api.TaskRetrying {
		set["not_before"] = f.notBefore.UnixNano()
	} else {
		set["completed_at"] = f.finishedAt.UnixNano()
	}
	res, err := q.coll.UpdateOne(ctx,
		bson.M{
			"_id":         t.ID,
			"status":      string(api.TaskRunning),
			"lease_owner": owner,
			"retry_count": t.RetryCount,
		},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (q *MongoQueue) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(api.TaskRunning), "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": q.cfg.now().UTC().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	return q.checkOwned(ctx, res, id)
}

func (q *MongoQueue) ReapExpired(ctx context.Context) ([]*api.Task, error) {
	now := q.cfg.now().UTC()
	cur, err := q.coll.Find(ctx,
		bson.M{"status": string(api.TaskRunning), "lease_expires_at": bson.M{"$lte": now.UnixNano()}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoTaskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	var out []*api.Task
	for i := range docs {
		t := docs[i].task()
		f := decideFailure(t.RetryCount, t.MaxRetries, errLeaseExpired, q.cfg.policy, now)
		ok, err := q.applyFailure(ctx, t, f, t.LeaseOwner)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		recovered, err := q.Get(ctx, t.ID)
		if err != nil {
			return out, err
		}
		out = append(out, recovered)
	}
	return out, nil
}

func (q *MongoQueue) Get(ctx context.Context, id string) (*api.Task, error) {
	var doc mongoTaskDoc
	err := q.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, api.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.task(), nil
}

func (q *MongoQueue) Stats(ctx context.Context) (map[api.TaskStatus]int, error) {
	cur, err := q.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, err
	}
	var groups []struct {
		Status string `bson:"_id"`
		N      int    `bson:"n"`
	}
	if err := cur.All(ctx, &groups); err != nil {
		return nil, err
	}
	out := emptyStats()
	for _, g := range groups {
		out[api.TaskStatus(g.Status)] = g.N
	}
	return out, nil
}

func (q *MongoQueue) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := q.coll.DeleteMany(ctx, bson.M{
		"status":       bson.M{"$in": bson.A{string(api.TaskCompleted), string(api.TaskFailed)}},
		"completed_at": bson.M{"$lt": before.UnixNano()},
	})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (q *MongoQueue) checkOwned(ctx context.Context, res *mongo.UpdateResult, id string) error {
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return api.ErrLeaseLost
}
