// Package memstore is an in-memory core.DocumentStore used for simulator
// mode and tests, mirroring the filter/upsert semantics of the MongoDB
// binding in internal/store/mongostore without requiring a live database.
package memstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tradeengine/internal/core"
)

// Store is a goroutine-safe, collection-keyed map of JSON-shaped documents.
type Store struct {
	mu   sync.Mutex
	data map[string][]map[string]interface{}
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string][]map[string]interface{})}
}

func toDoc(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDoc(doc map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// matches reports whether doc satisfies filter, supporting plain equality,
// "$or" (a list of sub-filters), and per-field "$lt"/"$gt" comparisons —
// the subset the lock manager and OCO monitor actually issue.
func matches(doc map[string]interface{}, filter map[string]interface{}) bool {
	for key, want := range filter {
		if key == "$or" {
			clauses, ok := want.([]map[string]interface{})
			if !ok {
				return false
			}
			matched := false
			for _, clause := range clauses {
				if matches(doc, clause) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		}

		if op, ok := want.(map[string]interface{}); ok {
			if !matchOp(doc[key], op) {
				return false
			}
			continue
		}

		if !equalJSON(doc[key], want) {
			return false
		}
	}
	return true
}

func matchOp(value interface{}, op map[string]interface{}) bool {
	for opName, target := range op {
		cmp, ok := compareTimeish(value, target)
		if !ok {
			return false
		}
		switch opName {
		case "$lt":
			if cmp >= 0 {
				return false
			}
		case "$gt":
			if cmp <= 0 {
				return false
			}
		case "$lte":
			if cmp > 0 {
				return false
			}
		case "$gte":
			if cmp < 0 {
				return false
			}
		}
	}
	return true
}

// compareTimeish compares two values that may be a stored document field
// (a JSON-roundtripped string/number) against a raw Go value (commonly a
// time.Time passed directly into a filter's comparison operator). It
// returns (negative|0|positive, ok); ok is false when the values cannot be
// compared at all.
func compareTimeish(stored, target interface{}) (int, bool) {
	storedTime, storedOK := asTime(stored)
	targetTime, targetOK := asTime(target)
	if storedOK && targetOK {
		switch {
		case storedTime.Before(targetTime):
			return -1, true
		case storedTime.After(targetTime):
			return 1, true
		default:
			return 0, true
		}
	}

	storedNum, storedIsNum := stored.(float64)
	targetNum, targetIsNum := target.(float64)
	if storedIsNum && targetIsNum {
		switch {
		case storedNum < targetNum:
			return -1, true
		case storedNum > targetNum:
			return 1, true
		default:
			return 0, true
		}
	}

	return 0, false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func equalJSON(a, b interface{}) bool {
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return string(ra) == string(rb)
}

// Upsert implements core.DocumentStore. If an existing document matches
// filter and eligibility, it is updated in place; if one matches filter but
// not eligibility, the upsert is refused (ModifiedCount/UpsertedID both
// zero); otherwise a new document is inserted.
func (s *Store) Upsert(ctx context.Context, collection string, filter, eligibility, set map[string]interface{}) (*core.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.data[collection]
	for i, d := range docs {
		if matches(d, filter) {
			if !matches(d, eligibility) {
				return &core.UpdateResult{MatchedCount: 1}, nil
			}
			for k, v := range set {
				docs[i][k] = v
			}
			return &core.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}

	newDoc := map[string]interface{}{}
	for k, v := range filter {
		if k == "$or" {
			continue
		}
		newDoc[k] = v
	}
	for k, v := range set {
		newDoc[k] = v
	}
	s.data[collection] = append(docs, newDoc)
	return &core.UpdateResult{UpsertedID: len(s.data[collection])}, nil
}

// FindOne implements core.DocumentStore.
func (s *Store) FindOne(ctx context.Context, collection string, filter map[string]interface{}, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.data[collection] {
		if matches(d, filter) {
			return fromDoc(d, out)
		}
	}
	return core.ErrNotFound
}

// Find implements core.DocumentStore. out must be a pointer to a slice.
func (s *Store) Find(ctx context.Context, collection string, filter map[string]interface{}, out interface{}) error {
	s.mu.Lock()
	var matched []map[string]interface{}
	for _, d := range s.data[collection] {
		if matches(d, filter) {
			matched = append(matched, d)
		}
	}
	s.mu.Unlock()

	raw, err := json.Marshal(matched)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// DeleteOne implements core.DocumentStore.
func (s *Store) DeleteOne(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.data[collection]
	for i, d := range docs {
		if matches(d, filter) {
			s.data[collection] = append(docs[:i], docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

// DeleteMany implements core.DocumentStore.
func (s *Store) DeleteMany(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.data[collection]
	var kept []map[string]interface{}
	var deleted int64
	for _, d := range docs {
		if matches(d, filter) {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	s.data[collection] = kept
	return deleted, nil
}

// Count implements core.DocumentStore.
func (s *Store) Count(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, d := range s.data[collection] {
		if matches(d, filter) {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close(ctx context.Context) error { return nil }

var _ core.DocumentStore = (*Store)(nil)
