package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Block is one encoded physical block awaiting staging.
type Block struct {
	ID      int64
	Payload []byte
}

// Result reports the outcome of staging one batch of blocks.
type Result struct {
	Keys   map[int64]string
	Errors map[int64]error
}

// Stager pushes encoded blocks to the staging store in parallel, bounded
// by a configured concurrency.
type Stager struct {
	store       ObjectStorage
	concurrency int
}

// NewStager creates a stager over store. concurrency values below one are
// raised to one.
func NewStager(store ObjectStorage, concurrency int) *Stager {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Stager{store: store, concurrency: concurrency}
}

// Stage uploads the blocks of a session concurrently. Successful uploads
// report their staging keys; failed uploads report per-block errors and do
// not abort the rest of the batch.
func (s *Stager) Stage(ctx context.Context, sessionID string, blocks []Block) (*Result, error) {
	result := &Result{
		Keys:   make(map[int64]string, len(blocks)),
		Errors: make(map[int64]error),
	}
	sem := semaphore.NewWeighted(int64(s.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, b := range blocks {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[b.ID] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(b Block) {
			defer sem.Release(1)
			defer wg.Done()
			key := BlockKey(sessionID, b.ID)
			if err := s.store.Put(ctx, key, b.Payload); err != nil {
				mu.Lock()
				result.Errors[b.ID] = err
				mu.Unlock()
				return
			}
			mu.Lock()
			result.Keys[b.ID] = key
			mu.Unlock()
		}(b)
	}
	wg.Wait()
	return result, nil
}

// Cleanup removes every staged object of a session, typically after commit
// or abort.
func (s *Stager) Cleanup(ctx context.Context, sessionID string) error {
	keys, err := s.store.List(ctx, SessionPrefix(sessionID))
	if err != nil {
		return err
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
