// Package session carries the per-invocation state threaded through every
// core operation: the local repository, offline mode, configuration,
// listeners, and a shared data map used for in-session memoization.
package session

import (
	"github.com/foundry/depot/internal/core/models"
)

// Resolution error cache flags. The bits select which negative outcomes
// are served from the touch-file cache instead of retrying the remote.
const (
	CacheNone          = 0
	CacheNotFound      = 1
	CacheTransferError = 2
	CacheAll           = CacheNotFound | CacheTransferError
)

// LocalRepositoryManager maps coordinates to paths under the local
// repository and tracks which remotes contributed each file.
type LocalRepositoryManager interface {
	Repository() *models.LocalRepository

	// Path mapping; all returned paths are relative to the basedir.
	PathForLocalArtifact(a models.Artifact) string
	PathForLocalMetadata(m models.Metadata) string
	PathForRemoteArtifact(a models.Artifact, remote *models.RemoteRepository, context string) string
	PathForRemoteMetadata(m models.Metadata, remote *models.RemoteRepository, context string) string

	Find(s *Session, req models.LocalArtifactRequest) models.LocalArtifactResult
	FindMetadata(s *Session, req models.LocalMetadataRequest) models.LocalMetadataResult

	Add(s *Session, reg models.LocalArtifactRegistration) error
	AddMetadata(s *Session, reg models.LocalMetadataRegistration) error
}

// WorkspaceReader supplies artifacts directly from the build workspace,
// taking precedence over both the local repository and any remote.
type WorkspaceReader interface {
	Repository() *models.WorkspaceRepository
	FindArtifact(a models.Artifact) string
	FindVersions(a models.Artifact) []string
}

// EventListener observes repository lifecycle events.
type EventListener interface {
	OnEvent(ev models.Event)
}

// EventListenerFunc adapts a function to the EventListener interface.
type EventListenerFunc func(ev models.Event)

func (f EventListenerFunc) OnEvent(ev models.Event) { f(ev) }

// AuthenticationDigest produces a stable string digest of the credentials
// and proxy configured for a remote. The digest participates in cache keys
// so that cached transfer errors are retried when authentication changes.
type AuthenticationDigest interface {
	ForRepository(s *Session, r *models.RemoteRepository) string
	ForProxy(s *Session, r *models.RemoteRepository) string
}

// Session is the explicit state parameter of all public operations. It is
// safe for concurrent use by multiple goroutines once configured.
type Session struct {
	Offline bool

	LocalRepositoryManager LocalRepositoryManager
	WorkspaceReader        WorkspaceReader
	Listeners              []EventListener

	// ErrorPolicy selects which cached negative outcomes suppress a
	// retry; a combination of the Cache* flags.
	ErrorPolicy int

	// UpdatePolicy and ChecksumPolicy, when non-empty, override the
	// per-repository policies for the whole session.
	UpdatePolicy   string
	ChecksumPolicy string

	AuthDigest AuthenticationDigest

	// Config holds the depot.* configuration properties.
	Config map[string]any

	data Data
}

// Data returns the session's shared data map.
func (s *Session) Data() *Data { return &s.data }

// EffectivePolicy applies the session-level policy overrides to a
// repository policy.
func (s *Session) EffectivePolicy(p models.RepositoryPolicy) models.RepositoryPolicy {
	if s.UpdatePolicy != "" {
		p.UpdatePolicy = s.UpdatePolicy
	}
	if s.ChecksumPolicy != "" {
		p.ChecksumPolicy = s.ChecksumPolicy
	}
	return p
}
