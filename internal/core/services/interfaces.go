package services

import (
	"time"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/session"
)

// VersionRequest asks the version resolver to bind a possibly symbolic
// version to a concrete one.
type VersionRequest struct {
	Artifact     models.Artifact
	Repositories []*models.RemoteRepository
	Context      string
}

// VersionResult is the version resolver's answer. Repository, when
// non-nil, names where the winning version was discovered.
type VersionResult struct {
	Version    string
	Repository models.Repository
}

// VersionResolver turns symbolic versions (RELEASE, LATEST, unexpanded
// snapshots) into concrete ones. Implemented outside the core.
type VersionResolver interface {
	ResolveVersion(s *session.Session, req VersionRequest) (VersionResult, error)
}

// RepositoryConnector moves files between one remote repository and the
// local filesystem. Implementations record per-transfer outcomes in the
// Err field of each descriptor rather than failing the batch call.
type RepositoryConnector interface {
	Get(artifacts []*ArtifactDownload, metadata []*MetadataDownload)
	Put(artifacts []*ArtifactUpload, metadata []*MetadataUpload)
	Close() error
}

// ConnectorFactory creates connectors for remotes it understands.
type ConnectorFactory interface {
	// NewConnector returns a connector for the remote, or a
	// NoConnectorError when the remote is not supported.
	NewConnector(s *session.Session, r *models.RemoteRepository) (RepositoryConnector, error)

	// Priority orders competing factories; higher wins.
	Priority() float64
}

// ConnectorProvider selects a connector for a remote from the registered
// factories.
type ConnectorProvider interface {
	NewConnector(s *session.Session, r *models.RemoteRepository) (RepositoryConnector, error)
}

// FileProcessor performs the filesystem operations of the core, so tests
// and embedders can observe or redirect them.
type FileProcessor interface {
	Mkdirs(dir string) error
	// Copy copies src to dst, creating parent directories. The progress
	// callback, when non-nil, receives the running byte count.
	Copy(src, dst string, progress func(written int64)) (int64, error)
	Move(src, dst string) error
	Write(path string, data []byte) error
}

// EventDispatcher fans a repository event out to the session's listeners.
type EventDispatcher interface {
	Dispatch(s *session.Session, ev models.Event)
}

// SyncContext holds cross-process locks over a declared set of artifacts
// and metadata for its lifetime. Close releases everything acquired.
type SyncContext interface {
	Acquire(artifacts []models.Artifact, metadata []models.Metadata) error
	Close()
}

// SyncContextFactory creates sync contexts; shared contexts permit
// concurrent readers.
type SyncContextFactory interface {
	New(s *session.Session, shared bool) SyncContext
}

// OfflineController decides whether a remote may be contacted.
type OfflineController interface {
	// CheckOffline returns a RepositoryOfflineError when the session is
	// offline and the remote is not exempted by configuration.
	CheckOffline(s *session.Session, r *models.RemoteRepository) error
}

// UpdateCheck is one "do I need to re-fetch?" question and its answer.
// Exactly one of Artifact and Metadata is set, matching the method used.
type UpdateCheck struct {
	Artifact models.Artifact
	Metadata models.Metadata

	// File is the local target the item would occupy; FileValid is false
	// when the file's content must not be trusted (existence probe).
	File      string
	FileValid bool

	Repository *models.RemoteRepository

	// AuthoritativeRepository identifies the logical origin used for the
	// data key; defaults to Repository when nil.
	AuthoritativeRepository *models.RemoteRepository

	Policy string

	// LocalLastUpdated is the install time of a locally built item, zero
	// when the item was never installed locally.
	LocalLastUpdated time.Time

	Required bool
	Err      error
}

// UpdateCheckManager answers update checks and persists their outcomes.
type UpdateCheckManager interface {
	CheckArtifact(s *session.Session, check *UpdateCheck)
	CheckMetadata(s *session.Session, check *UpdateCheck)
	TouchArtifact(s *session.Session, check *UpdateCheck)
	TouchMetadata(s *session.Session, check *UpdateCheck)
}
