package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketObjects = []byte("objects")
	bucketStates  = []byte("states")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB

	mu        sync.RWMutex
	listeners []ChangeFunc
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketObjects, bucketStates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *BoltStore) notify(id string, st *State) {
	s.mu.RLock()
	ls := make([]ChangeFunc, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.RUnlock()

	for _, fn := range ls {
		fn(id, st)
	}
}

func (s *BoltStore) EnsureObject(obj *Object) (bool, error) {
	if obj == nil || obj.ID == "" {
		return false, fmt.Errorf("ensure object: empty id")
	}
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b.Get([]byte(obj.ID)) != nil {
			return nil
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		created = true
		return b.Put([]byte(obj.ID), data)
	})
	if err != nil {
		return false, fmt.Errorf("ensure object %s: %w", obj.ID, err)
	}
	return created, nil
}

func (s *BoltStore) GetObject(id string) (*Object, error) {
	var obj Object
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("object %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &obj)
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func (s *BoltStore) ListObjects(prefix string) ([]*Object, error) {
	var objs []*Object
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var obj Object
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("decode object %s: %w", k, err)
			}
			objs = append(objs, &obj)
		}
		return nil
	})
	return objs, err
}

func (s *BoltStore) GetState(id string) (*State, error) {
	var st State
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStates).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("state %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) SetState(id string, val any, ack bool) error {
	return s.SetStateAt(id, val, ack, time.Now())
}

func (s *BoltStore) SetStateAt(id string, val any, ack bool, ts time.Time) error {
	st, _, err := s.write(id, val, ack, ts, false)
	if err != nil {
		return err
	}
	s.notify(id, st)
	return nil
}

func (s *BoltStore) SetStateChanged(id string, val any, ts time.Time) (bool, error) {
	st, changed, err := s.write(id, val, true, ts, true)
	if err != nil || !changed {
		return false, err
	}
	s.notify(id, st)
	return true, nil
}

// write stores a value inside one transaction. With onlyChanged set, an
// acknowledged identical value is left untouched.
func (s *BoltStore) write(id string, val any, ack bool, ts time.Time, onlyChanged bool) (*State, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("set state: empty id")
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	st := &State{Val: val, Ack: ack, TS: ts, LC: ts}
	changed := true
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if data := b.Get([]byte(id)); data != nil {
			var prev State
			if err := json.Unmarshal(data, &prev); err == nil && sameValue(prev.Val, val) {
				if onlyChanged && prev.Ack {
					changed = false
					return nil
				}
				st.LC = prev.LC
			}
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, false, fmt.Errorf("set state %s: %w", id, err)
	}
	return st, changed, nil
}

func (s *BoltStore) AckState(id string) error {
	var st State
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("state %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		if st.Ack {
			return nil
		}
		st.Ack = true
		out, err := json.Marshal(&st)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return err
	}
	s.notify(id, &st)
	return nil
}

func (s *BoltStore) DeleteState(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	s.notify(id, nil)
	return nil
}

func (s *BoltStore) ListStates(prefix string) (map[string]*State, error) {
	states := make(map[string]*State)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStates).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var st State
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode state %s: %w", k, err)
			}
			states[string(k)] = &st
		}
		return nil
	})
	return states, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
