// Package resolver drives artifact and metadata requests through the
// workspace, the local repository and the configured remotes.
package resolver

import (
	"fmt"
	"sync"

	"github.com/foundry/depot/internal/core/models"
)

// ArtifactRequest asks for one artifact from an ordered list of remotes.
type ArtifactRequest struct {
	Artifact     models.Artifact
	Repositories []*models.RemoteRepository
	Context      string
}

// ArtifactResult is the per-request outcome. Artifact carries the local
// file on success; Exceptions collects every failure encountered on the
// way, including those of remotes tried before the winning one.
type ArtifactResult struct {
	Request    ArtifactRequest
	Artifact   models.Artifact
	Repository models.Repository
	Exceptions []error

	mu sync.Mutex
}

// Resolved reports whether the request obtained a file.
func (r *ArtifactResult) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Artifact.File != ""
}

func (r *ArtifactResult) addException(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Exceptions = append(r.Exceptions, err)
}

func (r *ArtifactResult) setResolved(a models.Artifact, repo models.Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Artifact = a
	if repo != nil {
		r.Repository = repo
	}
}

// MetadataRequest asks for one metadata item from one remote; a nil
// Repository addresses the local repository only.
type MetadataRequest struct {
	Metadata   models.Metadata
	Repository *models.RemoteRepository
	Context    string

	// DeleteLocalCopyIfMissing removes the locally cached copy when the
	// remote confirms the metadata does not exist.
	DeleteLocalCopyIfMissing bool
}

// MetadataResult is the per-request outcome for metadata.
type MetadataResult struct {
	Request  MetadataRequest
	Metadata models.Metadata
	Err      error

	// Updated reports whether the file was touched by this resolution.
	Updated bool
}

// Resolved reports whether the request obtained a file.
func (r *MetadataResult) Resolved() bool {
	return r.Metadata.File != ""
}

// ArtifactResolutionError aggregates a batch in which at least one
// request ended without a file.
type ArtifactResolutionError struct {
	Results []*ArtifactResult
}

func (e *ArtifactResolutionError) Error() string {
	missing := 0
	var first error
	for _, r := range e.Results {
		if !r.Resolved() {
			missing++
			if first == nil && len(r.Exceptions) > 0 {
				first = r.Exceptions[0]
			}
		}
	}
	if first != nil {
		return fmt.Sprintf("could not resolve %d artifact(s), first error: %v", missing, first)
	}
	return fmt.Sprintf("could not resolve %d artifact(s)", missing)
}

// MetadataResolutionError aggregates a metadata batch in which at least
// one request ended without a file.
type MetadataResolutionError struct {
	Results []*MetadataResult
}

func (e *MetadataResolutionError) Error() string {
	missing := 0
	var first error
	for _, r := range e.Results {
		if !r.Resolved() {
			missing++
			if first == nil && r.Err != nil {
				first = r.Err
			}
		}
	}
	if first != nil {
		return fmt.Sprintf("could not resolve %d metadata item(s), first error: %v", missing, first)
	}
	return fmt.Sprintf("could not resolve %d metadata item(s)", missing)
}
