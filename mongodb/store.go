// Package mongodb contains a MongoDB-backed persistent store for sqlq.
// The conditional claim maps onto findAndModify, which MongoDB executes
// atomically on a single document.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/eikeland/sqlq"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName. Job IDs come from a
	// counter document in the "<collection>_ids" collection.
	defaultCollectionName = "sqlq_jobs"
)

// Store represents a MongoDB-based storage backend.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	ids            *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)
	st.ids = st.db.C(st.collectionName + "_ids")

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to sqlq-specific "not found" error
		return sqlq.ErrNotFound
	}
	return err
}

// Start ensures the indices used by candidate selection exist.
func (s *Store) Start(ctx context.Context) error {
	err := s.coll.EnsureIndexKey("state")
	if err != nil {
		return err
	}
	err = s.coll.EnsureIndexKey("-priority", "created")
	if err != nil {
		return err
	}
	err = s.coll.EnsureIndexKey("available_at")
	if err != nil {
		return err
	}
	err = s.coll.EnsureIndexKey("-updated")
	if err != nil {
		return err
	}
	return nil
}

// nextID bumps the job counter document and returns the new value.
func (s *Store) nextID() (int64, error) {
	change := mgo.Change{
		Update:    bson.M{"$inc": bson.M{"seq": int64(1)}},
		Upsert:    true,
		ReturnNew: true,
	}
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	_, err := s.ids.Find(bson.M{"_id": "jobs"}).Apply(change, &counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

// Create adds a new job to the store and assigns its ID.
func (s *Store) Create(ctx context.Context, job *sqlq.Job) error {
	id, err := s.nextID()
	if err != nil {
		return err
	}
	j := newJobDoc(job)
	j.ID = id
	if err := s.coll.Insert(j); err != nil {
		return s.wrapError(err)
	}
	job.ID = id
	return nil
}

// Next picks the most eligible claimable job, or ErrNotFound if no job
// is eligible.
func (s *Store) Next(ctx context.Context, now time.Time) (*sqlq.Job, error) {
	var j jobDoc
	err := s.coll.Find(bson.M{
		"state":        string(sqlq.Waiting),
		"locked_by":    nil,
		"available_at": bson.M{"$lte": now.UnixNano()},
	}).Sort("-priority", "created").One(&j)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return j.toJob(), nil
}

// Claim locks the job with the given token, guarded by the job being
// in state Waiting and unlocked at write time.
func (s *Store) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	err := s.coll.Update(
		bson.M{"_id": id, "state": string(sqlq.Waiting), "locked_by": nil},
		bson.M{"$set": bson.M{
			"state":     string(sqlq.Active),
			"locked_by": token,
			"updated":   now.UnixNano(),
		}},
	)
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Complete resolves an active job as Completed.
func (s *Store) Complete(ctx context.Context, id int64, result *string, now time.Time) (bool, error) {
	err := s.coll.Update(
		bson.M{"_id": id, "state": string(sqlq.Active)},
		bson.M{"$set": bson.M{
			"state":     string(sqlq.Completed),
			"locked_by": nil,
			"result":    result,
			"updated":   now.UnixNano(),
		}},
	)
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fail resolves an active job as Failed.
func (s *Store) Fail(ctx context.Context, id int64, errorMsg *string, now time.Time) (bool, error) {
	err := s.coll.Update(
		bson.M{"_id": id, "state": string(sqlq.Active)},
		bson.M{"$set": bson.M{
			"state":     string(sqlq.Failed),
			"locked_by": nil,
			"error":     errorMsg,
			"updated":   now.UnixNano(),
		}},
	)
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Retry puts a failed job back into Waiting, guarded by the job being
// failed at write time.
func (s *Store) Retry(ctx context.Context, id int64, availableAt, now time.Time) (bool, error) {
	err := s.coll.Update(
		bson.M{"_id": id, "state": string(sqlq.Failed)},
		bson.M{
			"$set": bson.M{
				"state":        string(sqlq.Waiting),
				"locked_by":    nil,
				"error":        nil,
				"available_at": availableAt.UnixNano(),
				"updated":      now.UnixNano(),
			},
			"$inc": bson.M{"retries": 1},
		},
	)
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReclaimStale returns active jobs not updated since olderThan to
// Waiting.
func (s *Store) ReclaimStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	info, err := s.coll.UpdateAll(
		bson.M{
			"state":   string(sqlq.Active),
			"updated": bson.M{"$lt": olderThan.UnixNano()},
		},
		bson.M{"$set": bson.M{
			"state":     string(sqlq.Waiting),
			"locked_by": nil,
			"updated":   now.UnixNano(),
		}},
	)
	if err != nil {
		return 0, err
	}
	return int64(info.Updated), nil
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id int64) (*sqlq.Job, error) {
	var j jobDoc
	err := s.coll.FindId(id).One(&j)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return j.toJob(), nil
}

// List returns a list of all jobs stored in the data store.
func (s *Store) List(ctx context.Context, request *sqlq.ListRequest) (*sqlq.ListResponse, error) {
	rsp := &sqlq.ListResponse{}

	// Common filter for both Count and Find
	query := bson.M{}
	if request.State != "" {
		query["state"] = string(request.State)
	}

	total, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = total

	q := s.coll.Find(query).Sort("-updated")
	if request.Offset > 0 {
		q = q.Skip(request.Offset)
	}
	if request.Limit > 0 {
		q = q.Limit(request.Limit)
	}
	var docs []jobDoc
	if err := q.All(&docs); err != nil {
		return nil, s.wrapError(err)
	}
	for i := range docs {
		rsp.Jobs = append(rsp.Jobs, docs[i].toJob())
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*sqlq.Stats, error) {
	stats := &sqlq.Stats{}
	for _, entry := range []struct {
		state sqlq.State
		count *int
	}{
		{sqlq.Waiting, &stats.Waiting},
		{sqlq.Active, &stats.Active},
		{sqlq.Completed, &stats.Completed},
		{sqlq.Failed, &stats.Failed},
		{sqlq.Delayed, &stats.Delayed},
		{sqlq.Paused, &stats.Paused},
		{sqlq.Stalled, &stats.Stalled},
		{sqlq.Removed, &stats.Removed},
	} {
		n, err := s.coll.Find(bson.M{"state": string(entry.state)}).Count()
		if err != nil {
			return nil, s.wrapError(err)
		}
		*entry.count = n
	}
	return stats, nil
}

// -- MongoDB-internal representation of a job --

type jobDoc struct {
	ID          int64   `bson:"_id"`
	Payload     string  `bson:"payload"`
	State       string  `bson:"state"`
	Priority    int     `bson:"priority"`
	Retries     int     `bson:"retries"`
	LockedBy    *string `bson:"locked_by"`
	Result      *string `bson:"result"`
	Error       *string `bson:"error"`
	Created     int64   `bson:"created"`
	Updated     int64   `bson:"updated"`
	AvailableAt int64   `bson:"available_at"`
}

func newJobDoc(job *sqlq.Job) *jobDoc {
	j := &jobDoc{
		ID:          job.ID,
		Payload:     job.Payload,
		State:       string(job.State),
		Priority:    job.Priority,
		Retries:     job.Retries,
		Created:     job.Created,
		Updated:     job.Updated,
		AvailableAt: job.AvailableAt,
	}
	if job.LockedBy != "" {
		v := job.LockedBy
		j.LockedBy = &v
	}
	if job.Result != "" {
		v := job.Result
		j.Result = &v
	}
	if job.Error != "" {
		v := job.Error
		j.Error = &v
	}
	return j
}

func (j *jobDoc) toJob() *sqlq.Job {
	job := &sqlq.Job{
		ID:          j.ID,
		Payload:     j.Payload,
		State:       sqlq.State(j.State),
		Priority:    j.Priority,
		Retries:     j.Retries,
		Created:     j.Created,
		Updated:     j.Updated,
		AvailableAt: j.AvailableAt,
	}
	if j.LockedBy != nil {
		job.LockedBy = *j.LockedBy
	}
	if j.Result != nil {
		job.Result = *j.Result
	}
	if j.Error != nil {
		job.Error = *j.Error
	}
	return job
}
