package redelivery

import (
	"context"
	"fmt"

	pebblestore "github.com/rzbill/redq/internal/storage/pebble"
)

const pebblePrefix = "rdl/"

// PebbleStore keeps state in the broker's Pebble database under rdl/{key}.
type PebbleStore struct {
	db *pebblestore.DB
}

func NewPebbleStore(db *pebblestore.DB) *PebbleStore { return &PebbleStore{db: db} }

func (s *PebbleStore) Load(_ context.Context, key Key) (State, bool, error) {
	b, err := s.db.Get(stateKey(key))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("redelivery: load %s: %w", key, err)
	}
	st, err := decodeState(key, b)
	if err != nil {
		return State{}, false, fmt.Errorf("redelivery: load %s: %w", key, err)
	}
	return st, true, nil
}

func (s *PebbleStore) Save(ctx context.Context, st State) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(stateKey(st.Key), encodeState(st), nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("redelivery: save %s: %w", st.Key, err)
	}
	return nil
}

func (s *PebbleStore) Delete(ctx context.Context, key Key) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(stateKey(key), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// List returns up to limit tracked states whose key starts with prefix.
func (s *PebbleStore) List(prefix string, limit int) ([]State, error) {
	p := stateKey(Key(prefix))
	it, err := s.db.PrefixIter(p)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []State
	for ok := it.First(); ok && (limit <= 0 || len(out) < limit); ok = it.Next() {
		k := Key(it.Key()[len(pebblePrefix):])
		st, err := decodeState(k, it.Value())
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func stateKey(key Key) []byte { return []byte(pebblePrefix + string(key)) }
