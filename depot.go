// Package depot is a repository-system library: it resolves, downloads,
// caches, installs and deploys versioned artifacts and their repository
// metadata across a local repository and an ordered list of remotes.
//
// Basic usage:
//
//	sys := depot.New()
//	sess := sys.NewSession("/path/to/local-repo")
//
//	results, err := sys.ResolveArtifacts(sess, []*depot.ArtifactRequest{{
//		Artifact:     depot.Artifact{GroupID: "org.example", ArtifactID: "app", Version: "1.0", Extension: "jar"},
//		Repositories: []*depot.RemoteRepository{central},
//	}})
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(results[0].Artifact.File)
package depot

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/adapters/connector"
	"github.com/foundry/depot/internal/adapters/fileproc"
	"github.com/foundry/depot/internal/adapters/localrepo"
	"github.com/foundry/depot/internal/adapters/synclock"
	"github.com/foundry/depot/internal/adapters/trackfile"
	"github.com/foundry/depot/internal/core/events"
	"github.com/foundry/depot/internal/core/install"
	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/offline"
	"github.com/foundry/depot/internal/core/resolver"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/core/update"
	"github.com/foundry/depot/internal/session"
	"github.com/foundry/depot/internal/util/logging"
)

// Re-exported model types.
type (
	Artifact            = models.Artifact
	Metadata            = models.Metadata
	Nature              = models.Nature
	RemoteRepository    = models.RemoteRepository
	RepositoryPolicy    = models.RepositoryPolicy
	LocalRepository     = models.LocalRepository
	WorkspaceRepository = models.WorkspaceRepository
	Proxy               = models.Proxy
	Authentication      = models.Authentication
	Event               = models.Event
	EventType           = models.EventType
)

// Re-exported request and result types.
type (
	ArtifactRequest = resolver.ArtifactRequest
	ArtifactResult  = resolver.ArtifactResult
	MetadataRequest = resolver.MetadataRequest
	MetadataResult  = resolver.MetadataResult
	InstallRequest  = install.InstallRequest

	ArtifactResolutionError = resolver.ArtifactResolutionError
	MetadataResolutionError = resolver.MetadataResolutionError
	InstallResult   = install.InstallResult
	DeployRequest   = install.DeployRequest
	DeployResult    = install.DeployResult
	Session         = session.Session
)

// Re-exported constants.
const (
	ReleaseNature           = models.Release
	SnapshotNature          = models.Snapshot
	ReleaseOrSnapshotNature = models.ReleaseOrSnapshot

	UpdateNever  = models.UpdateNever
	UpdateAlways = models.UpdateAlways
	UpdateDaily  = models.UpdateDaily

	ChecksumFail   = models.ChecksumFail
	ChecksumWarn   = models.ChecksumWarn
	ChecksumIgnore = models.ChecksumIgnore

	CacheNone          = session.CacheNone
	CacheNotFound      = session.CacheNotFound
	CacheTransferError = session.CacheTransferError
	CacheAll           = session.CacheAll
)

// Re-exported sentinel errors.
var (
	ErrNotFound = services.ErrNotFound
	ErrTransfer = services.ErrTransfer
	ErrOffline  = services.ErrOffline
)

// System bundles the default components into one entry point.
type System struct {
	logger        zerolog.Logger
	versions      services.VersionResolver
	factories     []services.ConnectorFactory
	listeners     []session.EventListener
	fileProcessor services.FileProcessor

	artifacts *resolver.ArtifactResolver
	metadata  *resolver.MetadataResolver
	installer *install.Installer
	deployer  *install.Deployer
}

// Option configures a System.
type Option func(*System)

// WithLogger sets the logger used by all components.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *System) { s.logger = logger }
}

// WithVersionResolver replaces the identity version resolver.
func WithVersionResolver(vr services.VersionResolver) Option {
	return func(s *System) { s.versions = vr }
}

// WithConnectorFactories replaces the default file and HTTP connector
// factories.
func WithConnectorFactories(factories ...services.ConnectorFactory) Option {
	return func(s *System) { s.factories = factories }
}

// WithListeners registers fixed event listeners that observe every
// session.
func WithListeners(listeners ...session.EventListener) Option {
	return func(s *System) { s.listeners = listeners }
}

// WithFileProcessor replaces the default file processor.
func WithFileProcessor(fp services.FileProcessor) Option {
	return func(s *System) { s.fileProcessor = fp }
}

// New assembles a System from the default components and the given
// options.
func New(opts ...Option) *System {
	s := &System{
		logger:        logging.Nop(),
		versions:      identityVersionResolver{},
		fileProcessor: fileproc.NewProcessor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factories == nil {
		s.factories = []services.ConnectorFactory{
			connector.NewFileFactory(s.fileProcessor, logging.Component(s.logger, "file-connector")),
			connector.NewHTTPFactory(s.fileProcessor, logging.Component(s.logger, "http-connector")),
		}
	}

	store := trackfile.NewStore(logging.Component(s.logger, "trackfile"))
	analyzer := update.NewPolicyAnalyzer(logging.Component(s.logger, "update-policy"))
	manager := update.NewManager(analyzer, store, logging.Component(s.logger, "update-check"))
	dispatcher := events.NewDispatcher(logging.Component(s.logger, "events"), s.listeners...)
	offlineCtl := offline.NewController()
	syncFactory := synclock.NewFactory(logging.Component(s.logger, "synclock"))
	provider := connector.NewProvider(s.factories...)

	s.artifacts = resolver.NewArtifactResolver(
		s.fileProcessor, dispatcher, s.versions, manager, provider, syncFactory, offlineCtl,
		logging.Component(s.logger, "artifact-resolver"),
	)
	s.metadata = resolver.NewMetadataResolver(
		dispatcher, manager, provider, syncFactory, offlineCtl, analyzer.EffectivePolicy,
		logging.Component(s.logger, "metadata-resolver"),
	)
	s.installer = install.NewInstaller(
		s.fileProcessor, dispatcher, syncFactory, logging.Component(s.logger, "installer"),
	)
	s.deployer = install.NewDeployer(
		dispatcher, provider, syncFactory, offlineCtl, logging.Component(s.logger, "deployer"),
	)
	return s
}

// NewSession creates a session over a tracked local repository rooted at
// basedir.
func (s *System) NewSession(basedir string) *Session {
	store := trackfile.NewStore(logging.Component(s.logger, "trackfile"))
	return &Session{
		LocalRepositoryManager: localrepo.NewTrackedManager(basedir, store, logging.Component(s.logger, "localrepo")),
		ErrorPolicy:            CacheNotFound,
		AuthDigest:             authDigest{},
	}
}

// NewSimpleSession creates a session over an untracked local repository,
// where any cached file counts as available regardless of origin.
func (s *System) NewSimpleSession(basedir string) *Session {
	return &Session{
		LocalRepositoryManager: localrepo.NewSimpleManager(basedir),
		ErrorPolicy:            CacheNotFound,
		AuthDigest:             authDigest{},
	}
}

// ResolveArtifacts resolves a batch of artifact requests.
func (s *System) ResolveArtifacts(sess *Session, reqs []*ArtifactRequest) ([]*ArtifactResult, error) {
	return s.artifacts.ResolveArtifacts(sess, reqs)
}

// ResolveArtifact resolves a single artifact request.
func (s *System) ResolveArtifact(sess *Session, req *ArtifactRequest) (*ArtifactResult, error) {
	return s.artifacts.ResolveArtifact(sess, req)
}

// ResolveMetadata resolves a batch of metadata requests.
func (s *System) ResolveMetadata(sess *Session, reqs []*MetadataRequest) ([]*MetadataResult, error) {
	return s.metadata.ResolveMetadata(sess, reqs)
}

// Install publishes artifacts and metadata into the local repository.
func (s *System) Install(sess *Session, req InstallRequest) (*InstallResult, error) {
	return s.installer.Install(sess, req)
}

// Deploy publishes artifacts and metadata to a remote repository.
func (s *System) Deploy(sess *Session, req DeployRequest) (*DeployResult, error) {
	return s.deployer.Deploy(sess, req)
}

// identityVersionResolver answers every request with the version already
// on the artifact. Embedders resolving symbolic versions plug their own
// resolver in through WithVersionResolver.
type identityVersionResolver struct{}

func (identityVersionResolver) ResolveVersion(_ *Session, req services.VersionRequest) (services.VersionResult, error) {
	return services.VersionResult{Version: req.Artifact.Version}, nil
}

// authDigest folds the repository's credentials and proxy into stable
// digests for cache keying.
type authDigest struct{}

func (authDigest) ForRepository(_ *Session, r *RemoteRepository) string {
	if r.Auth == nil {
		return ""
	}
	return digest(r.Auth.Username, r.Auth.Password)
}

func (authDigest) ForProxy(_ *Session, r *RemoteRepository) string {
	if r.Proxy == nil {
		return ""
	}
	return digest(r.Proxy.Type, r.Proxy.Host, strconv.Itoa(r.Proxy.Port))
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
