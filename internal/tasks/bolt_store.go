package tasks

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks      = []byte("tasks")
	bucketTombstones = []byte("expired_tasks")
)

// BoltStore keeps tasks as JSON documents in a bbolt file. bbolt serialises
// writers, so every read-check-write inside one Update is atomic.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketTombstones} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) CreateTask(task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	if task.ID == "" {
		return errors.New("task.ID is required")
	}
	if task.Status != StatusPending {
		return fmt.Errorf("new task must be %s, got %q: %w", StatusPending, task.Status, ErrInvalidTransition)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now()
	}
	task.UpdatedAt = task.CreatedAt
	task.Result, task.Error = nil, nil

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) != nil {
			return fmt.Errorf("insert task: id %s already exists", task.ID)
		}
		return putTask(b, task)
	})
}

func (s *BoltStore) Claim(id string) (*Task, error) {
	var claimed *Task
	err := s.transition(id, StatusPending, func(t *Task) {
		t.Status = StatusProcessing
		claimed = t
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) Complete(id string, r Result) error {
	return s.transition(id, StatusProcessing, func(t *Task) {
		t.Status = StatusCompleted
		res := r
		t.Result = &res
		t.Error = nil
	})
}

func (s *BoltStore) Fail(id string, terr TaskError) error {
	return s.transition(id, StatusProcessing, func(t *Task) {
		t.Status = StatusFailed
		e := terr
		t.Error = &e
		t.Result = nil
	})
}

func (s *BoltStore) transition(id string, from Status, apply func(*Task)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		t, err := getTask(tx, id)
		if err != nil {
			return err
		}
		if t.Status != from {
			return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrInvalidTransition)
		}
		apply(t)
		t.UpdatedAt = now()
		return putTask(b, t)
	})
}

func (s *BoltStore) GetTask(id string) (*Task, error) {
	var t *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getTask(tx, id)
		return err
	})
	return t, err
}

func (s *BoltStore) ListTasks(f Filter) ([]*Task, error) {
	out, err := s.scan(func(t *Task) bool {
		return f.Status == "" || t.Status == f.Status
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *BoltStore) ListTerminalBefore(cutoff time.Time) ([]*Task, error) {
	return s.sortedByUpdate(func(t *Task) bool {
		return t.Status.Terminal() && t.UpdatedAt.Before(cutoff)
	})
}

func (s *BoltStore) ListStaleProcessing(cutoff time.Time) ([]*Task, error) {
	return s.sortedByUpdate(func(t *Task) bool {
		return t.Status == StatusProcessing && t.UpdatedAt.Before(cutoff)
	})
}

func (s *BoltStore) FindCompletedByHash(hash string) (*Task, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	matches, err := s.sortedByUpdate(func(t *Task) bool {
		return t.FileHash == hash && t.Status == StatusCompleted
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	return matches[len(matches)-1], nil
}

func (s *BoltStore) Expire(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := getTask(tx, id)
		if err != nil {
			return err
		}
		if !t.Status.Terminal() {
			return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrInvalidTransition)
		}
		if err := tx.Bucket(bucketTasks).Delete([]byte(id)); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return tx.Bucket(bucketTombstones).Put([]byte(id), encodeTime(now()))
	})
}

func (s *BoltStore) PurgeTombstones(cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTombstones)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if decodeTime(v).Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

func (s *BoltStore) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			switch t.Status {
			case StatusPending:
				st.Pending++
			case StatusProcessing:
				st.Processing++
			case StatusCompleted:
				st.Completed++
			case StatusFailed:
				st.Failed++
			}
			return nil
		})
		if err != nil {
			return err
		}
		st.Expired = tx.Bucket(bucketTombstones).Stats().KeyN
		return nil
	})
	return st, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks) == nil {
			return errors.New("tasks bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) scan(keep func(*Task) bool) ([]*Task, error) {
	var out []*Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decode task: %w", err)
			}
			if keep(&t) {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) sortedByUpdate(keep func(*Task) bool) ([]*Task, error) {
	out, err := s.scan(keep)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func getTask(tx *bolt.Tx, id string) (*Task, error) {
	v := tx.Bucket(bucketTasks).Get([]byte(id))
	if v == nil {
		if tx.Bucket(bucketTombstones).Get([]byte(id)) != nil {
			return nil, ErrExpired
		}
		return nil, ErrNotFound
	}
	var t Task
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func putTask(b *bolt.Bucket, t *Task) error {
	v, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return b.Put([]byte(t.ID), v)
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC()
}
