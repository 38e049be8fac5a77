package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reeveci/reeve-pipeline/schema"
)

type MemoryStore struct {
	lock    sync.RWMutex
	records map[string][]byte
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte), now: time.Now}
}

func (s *MemoryStore) Create(ctx context.Context, rc schema.RunContext) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.records[rc.RunID]; exists {
		return fmt.Errorf("run %s already exists", rc.RunID)
	}

	now := s.now().UTC()
	return s.put(Record{ID: rc.RunID, Pipeline: rc.Pipeline, Status: schema.STATUS_PENDING, Context: rc, CreatedAt: now, UpdatedAt: now})
}

func (s *MemoryStore) Update(ctx context.Context, id string, status schema.Status, rc schema.RunContext) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	record, err := s.get(id)
	if err != nil {
		return err
	}
	if record.Result != nil {
		return alreadyFinished(id)
	}

	record.Status = status
	record.Context = rc
	record.UpdatedAt = s.now().UTC()
	return s.put(record)
}

func (s *MemoryStore) Finish(ctx context.Context, id string, rc schema.RunContext, result schema.RunResult) error {
	if err := checkResult(id, result); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	record, err := s.get(id)
	if err != nil {
		return err
	}
	if record.Result != nil {
		return alreadyFinished(id)
	}

	record.Status = result.Status
	record.Context = rc
	record.Result = &result
	record.UpdatedAt = s.now().UTC()
	return s.put(record)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.get(id)
}

func (s *MemoryStore) Unfinished(ctx context.Context) ([]Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var result []Record
	for id := range s.records {
		record, err := s.get(id)
		if err != nil {
			return nil, err
		}
		if record.Result == nil {
			result = append(result, record)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// records are kept encoded so callers never share state with the store
func (s *MemoryStore) get(id string) (record Record, err error) {
	data, ok := s.records[id]
	if !ok {
		err = notFound(id)
		return
	}
	err = json.Unmarshal(data, &record)
	return
}

func (s *MemoryStore) put(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("error encoding run %s - %w", record.ID, err)
	}
	s.records[record.ID] = data
	return nil
}
