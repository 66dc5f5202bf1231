package syncengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidehook/tidehook/internal/githubapi"
)

// fakeClient is an in-memory contents API enforcing the same
// hash-parent precondition the real one does.
type fakeClient struct {
	mu    sync.Mutex
	files map[string]*githubapi.File
	puts  int
	gets  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{files: map[string]*githubapi.File{}}
}

func (f *fakeClient) key(repo, path string) string { return repo + "!" + path }

// seed installs remote content directly, bypassing the precondition.
func (f *fakeClient) seed(repo, path string, content []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := githubapi.BlobHash(content)
	f.files[f.key(repo, path)] = &githubapi.File{Content: content, Hash: hash}
	return hash
}

func (f *fakeClient) GetContent(_ context.Context, repo, path, _ string) (*githubapi.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	file, ok := f.files[f.key(repo, path)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", repo, path, githubapi.ErrNotFound)
	}
	cp := *file
	return &cp, nil
}

func (f *fakeClient) PutContent(_ context.Context, repo, path, _ string, content []byte, _ string, expectedHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++

	current, exists := f.files[f.key(repo, path)]
	switch {
	case exists && expectedHash != current.Hash:
		return "", fmt.Errorf("%s/%s: %w", repo, path, githubapi.ErrHashMismatch)
	case !exists && expectedHash != "":
		return "", fmt.Errorf("%s/%s: %w", repo, path, githubapi.ErrHashMismatch)
	}

	hash := githubapi.BlobHash(content)
	f.files[f.key(repo, path)] = &githubapi.File{Content: content, Hash: hash}
	return hash, nil
}
