package models

// Update policies understood by the policy analyzer.
const (
	UpdateNever          = "never"
	UpdateAlways         = "always"
	UpdateDaily          = "daily"
	UpdateIntervalPrefix = "interval:"
)

// Checksum policies enforced by connectors.
const (
	ChecksumFail   = "fail"
	ChecksumWarn   = "warn"
	ChecksumIgnore = "ignore"
)

// Repository is implemented by every repository kind an artifact or
// metadata may come from.
type Repository interface {
	RepoID() string
	RepoType() string
}

// RepositoryPolicy controls how one nature (release or snapshot) of a
// remote repository is used.
type RepositoryPolicy struct {
	Enabled        bool
	UpdatePolicy   string
	ChecksumPolicy string
}

// Proxy describes a proxy server in front of a remote repository.
type Proxy struct {
	Type string
	Host string
	Port int
}

// Authentication carries opaque credentials for a remote repository. The
// core never inspects them; it only folds their digest into cache keys.
type Authentication struct {
	Username string
	Password string
}

// RemoteRepository is a network-addressable artifact source.
type RemoteRepository struct {
	ID          string
	ContentType string
	URL         string

	ReleasePolicy  RepositoryPolicy
	SnapshotPolicy RepositoryPolicy

	// RepositoryManager marks a remote that aggregates the Mirrored
	// upstream repositories behind a single URL.
	RepositoryManager bool
	Mirrored          []*RemoteRepository

	Proxy *Proxy
	Auth  *Authentication
}

func (r *RemoteRepository) RepoID() string   { return r.ID }
func (r *RemoteRepository) RepoType() string { return "remote" }

// Policy returns the policy governing snapshot or release artifacts.
func (r *RemoteRepository) Policy(snapshot bool) RepositoryPolicy {
	if snapshot {
		return r.SnapshotPolicy
	}
	return r.ReleasePolicy
}

// DefaultPolicy is the policy applied when a repository declares none.
func DefaultPolicy() RepositoryPolicy {
	return RepositoryPolicy{Enabled: true, UpdatePolicy: UpdateDaily, ChecksumPolicy: ChecksumWarn}
}

// LocalRepository is the on-disk cache doubling as an install target.
type LocalRepository struct {
	Basedir     string
	ContentType string
}

func (r *LocalRepository) RepoID() string   { return "local" }
func (r *LocalRepository) RepoType() string { return r.ContentType }

// WorkspaceRepository represents artifacts supplied by the surrounding
// build workspace rather than any repository on disk or on the network.
type WorkspaceRepository struct {
	Name string
}

func (r *WorkspaceRepository) RepoID() string   { return r.Name }
func (r *WorkspaceRepository) RepoType() string { return "workspace" }
