package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Fetcher pulls many objects into a local folder in parallel. Objects whose
// file already exists in the folder are skipped.
type Fetcher struct {
	storage     ObjectStorage
	concurrency int
	dir         string
}

// FetchResult reports the outcome of a Fetch.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	Skipped    int
	Downloaded int
}

// NewFetcher creates a fetcher writing into dir with at most concurrency
// parallel downloads.
func NewFetcher(storage ObjectStorage, concurrency int, dir string) *Fetcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Fetcher{storage: storage, concurrency: concurrency, dir: dir}
}

// Fetch downloads objectPaths. A failed object is recorded in Errors and does
// not stop the others.
func (f *Fetcher) Fetch(ctx context.Context, objectPaths []string) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create fetch folder: %w", err)
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range objectPaths {
		local, err := f.localPath(p)
		if err != nil {
			result.Errors[p] = err
			continue
		}
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.Skipped++
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("fetch cancelled: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			err := f.storage.Download(ctx, path, local)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.LocalPaths[path] = local
			result.Downloaded++
		}(p, local)
	}

	wg.Wait()
	return result, nil
}

// localPath flattens an object path to a file name inside the fetch folder.
func (f *Fetcher) localPath(objectPath string) (string, error) {
	cleaned, err := CleanPath(objectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.dir, filepath.Base(filepath.FromSlash(cleaned))), nil
}
