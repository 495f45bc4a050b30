package resolver

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

// ArtifactResolver obtains local files for artifact requests, preferring
// the workspace, then the local repository, then the enabled remotes,
// grouped per remote and fetched through the connector.
type ArtifactResolver struct {
	fileProcessor services.FileProcessor
	dispatcher    services.EventDispatcher
	versions      services.VersionResolver
	updates       services.UpdateCheckManager
	connectors    services.ConnectorProvider
	syncFactory   services.SyncContextFactory
	offline       services.OfflineController
	logger        zerolog.Logger
}

// NewArtifactResolver wires an ArtifactResolver from its collaborators.
func NewArtifactResolver(
	fileProcessor services.FileProcessor,
	dispatcher services.EventDispatcher,
	versions services.VersionResolver,
	updates services.UpdateCheckManager,
	connectors services.ConnectorProvider,
	syncFactory services.SyncContextFactory,
	offline services.OfflineController,
	logger zerolog.Logger,
) *ArtifactResolver {
	return &ArtifactResolver{
		fileProcessor: fileProcessor,
		dispatcher:    dispatcher,
		versions:      versions,
		updates:       updates,
		connectors:    connectors,
		syncFactory:   syncFactory,
		offline:       offline,
		logger:        logger,
	}
}

// ResolveArtifact resolves a single request.
func (r *ArtifactResolver) ResolveArtifact(s *session.Session, req *ArtifactRequest) (*ArtifactResult, error) {
	results, err := r.ResolveArtifacts(s, []*ArtifactRequest{req})
	return results[0], err
}

// ResolveArtifacts resolves a batch of requests. All results are always
// returned; the error is a *ArtifactResolutionError iff any request
// ended without a file.
func (r *ArtifactResolver) ResolveArtifacts(s *session.Session, reqs []*ArtifactRequest) ([]*ArtifactResult, error) {
	syncCtx := r.syncFactory.New(s, false)
	defer syncCtx.Close()

	artifacts := make([]models.Artifact, 0, len(reqs))
	for _, req := range reqs {
		if req.Artifact.Property(models.PropLocalPath, "") != "" {
			continue
		}
		artifacts = append(artifacts, req.Artifact)
	}
	if err := syncCtx.Acquire(artifacts, nil); err != nil {
		return nil, fmt.Errorf("acquiring artifact locks: %w", err)
	}

	return r.resolve(s, reqs)
}

func (r *ArtifactResolver) resolve(s *session.Session, reqs []*ArtifactRequest) ([]*ArtifactResult, error) {
	results := make([]*ArtifactResult, 0, len(reqs))
	failures := false

	lrm := s.LocalRepositoryManager
	workspace := s.WorkspaceReader

	var groups []*resolutionGroup

	for _, req := range reqs {
		result := &ArtifactResult{Request: *req}
		results = append(results, result)

		artifact := req.Artifact
		repos := req.Repositories

		r.artifactResolving(s, artifact)

		if localPath := artifact.Property(models.PropLocalPath, ""); localPath != "" {
			// unhosted artifact, just validate the file
			if fi, err := os.Stat(localPath); err != nil || !fi.Mode().IsRegular() {
				failures = true
				result.addException(&services.ArtifactNotFoundError{Artifact: artifact})
			} else {
				artifact = artifact.WithFile(localPath)
				result.setResolved(artifact, nil)
				r.artifactResolved(s, artifact, nil, result.Exceptions)
			}
			continue
		}

		versionResult, err := r.versions.ResolveVersion(s, services.VersionRequest{
			Artifact:     artifact,
			Repositories: repos,
			Context:      req.Context,
		})
		if err != nil {
			result.addException(&services.VersionResolutionError{Artifact: artifact, Cause: err})
			continue
		}

		artifact = artifact.WithVersion(versionResult.Version)

		if versionResult.Repository != nil {
			if remote, ok := versionResult.Repository.(*models.RemoteRepository); ok {
				repos = []*models.RemoteRepository{remote}
			} else {
				repos = nil
			}
		}

		if workspace != nil {
			if file := workspace.FindArtifact(artifact); file != "" {
				artifact = artifact.WithFile(file)
				result.setResolved(artifact, workspace.Repository())
				r.artifactResolved(s, artifact, result.Repository, nil)
				continue
			}
		}

		local := lrm.Find(s, models.LocalArtifactRequest{
			Artifact:     artifact,
			Repositories: repos,
			Context:      req.Context,
		})
		if isLocallyInstalled(local, versionResult) {
			var repo models.Repository = lrm.Repository()
			if local.Repository != nil {
				repo = local.Repository
			}
			file, err := r.normalizedFile(s, artifact, local.File)
			if err != nil {
				result.addException(err)
			} else {
				artifact = artifact.WithFile(file)
				result.setResolved(artifact, repo)
				r.artifactResolved(s, artifact, repo, nil)
			}
			if !local.Available {
				// interop with the simple layout: a file the index does
				// not know about is synced into it once accepted
				if err := lrm.Add(s, models.LocalArtifactRegistration{
					Artifact: artifact,
					Contexts: []string{req.Context},
				}); err != nil {
					r.logger.Error().Err(err).Stringer("artifact", artifact).
						Msg("could not register locally installed artifact")
				}
			}
			continue
		} else if local.File != "" {
			r.logger.Debug().Str("file", local.File).
				Msg("verifying availability of cached artifact from remotes")
		}

		resolved := &atomic.Bool{}
		searchFrom := 0
		for _, repo := range repos {
			if !repo.Policy(artifact.IsSnapshot()).Enabled {
				continue
			}

			if err := r.offline.CheckOffline(s, repo); err != nil {
				result.addException(&services.ArtifactNotFoundError{
					Artifact:   artifact,
					Repository: repo,
					Reason: fmt.Sprintf("cannot access %s (%s) in offline mode and artifact %s "+
						"has not been downloaded from it before", repo.ID, repo.URL, artifact),
					Cause: err,
				})
				continue
			}

			var group *resolutionGroup
			for i := searchFrom; i < len(groups); i++ {
				if groups[i].matches(repo) {
					group = groups[i]
					searchFrom = i + 1
					break
				}
			}
			if group == nil {
				group = &resolutionGroup{repository: repo}
				groups = append(groups, group)
				// later repositories of this request must not join a
				// group created before this point, or one artifact
				// could be queued twice in the same connector call
				searchFrom = math.MaxInt
			}
			group.items = append(group.items, &resolutionItem{
				artifact:   artifact,
				result:     result,
				local:      local,
				repository: repo,
				resolved:   resolved,
				context:    req.Context,
			})
		}
	}

	for _, group := range groups {
		r.performDownloads(s, group)
	}

	for _, result := range results {
		if !result.Resolved() {
			failures = true
			if len(result.Exceptions) == 0 {
				result.addException(&services.ArtifactNotFoundError{Artifact: result.Request.Artifact})
			}
			r.artifactResolved(s, result.Request.Artifact, nil, result.Exceptions)
		}
	}

	if failures {
		return results, &ArtifactResolutionError{Results: results}
	}
	return results, nil
}

// isLocallyInstalled decides whether a local lookup satisfies the request
// outright: either the index vouches for it, or the file exists and the
// version resolution pinned it to the local repository (or found it
// during a version-range search with no remotes).
func isLocallyInstalled(local models.LocalArtifactResult, vr services.VersionResult) bool {
	if local.Available {
		return true
	}
	if local.File != "" {
		if _, ok := vr.Repository.(*models.LocalRepository); ok {
			return true
		}
		if vr.Repository == nil && len(local.Request.Repositories) == 0 {
			return true
		}
	}
	return false
}

// normalizedFile keeps a base-version-named sibling of a timestamped
// snapshot file, byte-identical and co-timestamped, and returns it so
// readers see the base-named file. The copy is skipped when length and
// mtime already match.
func (r *ArtifactResolver) normalizedFile(s *session.Session, artifact models.Artifact, file string) (string, error) {
	if !artifact.IsSnapshot() || artifact.Version == artifact.BaseVersion() ||
		!s.GetBool(session.KeySnapshotNormalization, true) {
		return file, nil
	}

	name := strings.ReplaceAll(filepath.Base(file), artifact.Version, artifact.BaseVersion())
	dst := filepath.Join(filepath.Dir(file), name)

	srcInfo, err := os.Stat(file)
	if err != nil {
		return "", &services.ArtifactTransferError{Artifact: artifact, Cause: err}
	}
	dstInfo, err := os.Stat(dst)
	if err != nil || dstInfo.Size() != srcInfo.Size() || !dstInfo.ModTime().Equal(srcInfo.ModTime()) {
		if _, err := r.fileProcessor.Copy(file, dst, nil); err != nil {
			return "", &services.ArtifactTransferError{Artifact: artifact, Cause: err}
		}
		if err := os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
			return "", &services.ArtifactTransferError{Artifact: artifact, Cause: err}
		}
	}
	return dst, nil
}

func (r *ArtifactResolver) performDownloads(s *session.Session, group *resolutionGroup) {
	downloads := r.gatherDownloads(s, group)
	if len(downloads) == 0 {
		return
	}

	for _, download := range downloads {
		r.artifactDownloading(s, download.Artifact, group.repository)
	}

	connector, err := r.connectors.NewConnector(s, group.repository)
	if err != nil {
		for _, download := range downloads {
			download.Err = &services.ArtifactTransferError{
				Artifact:   download.Artifact,
				Repository: group.repository,
				Cause:      err,
			}
		}
	} else {
		connector.Get(downloads, nil)
		connector.Close()
	}

	r.evaluateDownloads(s, group)
}

func (r *ArtifactResolver) gatherDownloads(s *session.Session, group *resolutionGroup) []*services.ArtifactDownload {
	lrm := s.LocalRepositoryManager
	var downloads []*services.ArtifactDownload

	for _, item := range group.items {
		if item.resolved.Load() {
			// resolved in a previous resolution group
			continue
		}

		download := &services.ArtifactDownload{
			Artifact: item.artifact,
			Context:  item.context,
		}
		if item.local.File != "" {
			download.File = item.local.File
			download.ExistenceCheck = true
		} else {
			path := lrm.PathForRemoteArtifact(item.artifact, group.repository, item.context)
			download.File = filepath.Join(lrm.Repository().Basedir, path)
		}

		policy := s.EffectivePolicy(group.repository.Policy(item.artifact.IsSnapshot()))

		if s.ErrorPolicy&session.CacheAll != 0 {
			check := &services.UpdateCheck{
				Artifact:   item.artifact,
				File:       download.File,
				FileValid:  !download.ExistenceCheck,
				Repository: group.repository,
				Policy:     policy.UpdatePolicy,
			}
			item.check = check
			r.updates.CheckArtifact(s, check)
			if !check.Required {
				if check.Err != nil {
					item.result.addException(check.Err)
				}
				continue
			}
		}

		download.ChecksumPolicy = policy.ChecksumPolicy
		download.Repositories = item.repository.Mirrored
		downloads = append(downloads, download)
		item.download = download
	}

	return downloads
}

func (r *ArtifactResolver) evaluateDownloads(s *session.Session, group *resolutionGroup) {
	lrm := s.LocalRepositoryManager

	for _, item := range group.items {
		download := item.download
		if download == nil {
			continue
		}

		if item.check != nil {
			item.check.Err = download.Err
			r.updates.TouchArtifact(s, item.check)
		}

		if download.Err == nil {
			item.resolved.Store(true)
			file, err := r.normalizedFile(s, item.artifact, download.File)
			if err != nil {
				item.result.addException(err)
				continue
			}
			artifact := item.artifact.WithFile(file)
			item.result.setResolved(artifact, group.repository)

			contexts := download.SupportedContexts
			if len(contexts) == 0 {
				contexts = []string{item.context}
			}
			if err := lrm.Add(s, models.LocalArtifactRegistration{
				Artifact:   artifact,
				Repository: group.repository,
				Contexts:   contexts,
			}); err != nil {
				r.logger.Error().Err(err).Stringer("artifact", artifact).
					Msg("could not register downloaded artifact")
			}

			r.artifactDownloaded(s, artifact, group.repository, nil)
			r.artifactResolved(s, artifact, group.repository, nil)
		} else {
			item.result.addException(download.Err)
			r.artifactDownloaded(s, download.Artifact, group.repository, download.Err)
		}
	}
}

func (r *ArtifactResolver) artifactResolving(s *session.Session, a models.Artifact) {
	r.dispatcher.Dispatch(s, models.Event{Type: models.ArtifactResolving, Artifact: &a})
}

func (r *ArtifactResolver) artifactResolved(s *session.Session, a models.Artifact, repo models.Repository, errs []error) {
	r.dispatcher.Dispatch(s, models.Event{
		Type:       models.ArtifactResolved,
		Artifact:   &a,
		Repository: repo,
		File:       a.File,
		Errors:     errs,
	})
}

func (r *ArtifactResolver) artifactDownloading(s *session.Session, a models.Artifact, repo *models.RemoteRepository) {
	r.dispatcher.Dispatch(s, models.Event{Type: models.ArtifactDownloading, Artifact: &a, Repository: repo})
}

func (r *ArtifactResolver) artifactDownloaded(s *session.Session, a models.Artifact, repo *models.RemoteRepository, err error) {
	ev := models.Event{Type: models.ArtifactDownloaded, Artifact: &a, Repository: repo, File: a.File}
	if err != nil {
		ev.Errors = []error{err}
	}
	r.dispatcher.Dispatch(s, ev)
}

// resolutionGroup batches items whose repositories are interchangeable
// for download purposes.
type resolutionGroup struct {
	repository *models.RemoteRepository
	items      []*resolutionItem
}

func (g *resolutionGroup) matches(repo *models.RemoteRepository) bool {
	return g.repository.URL == repo.URL &&
		g.repository.ContentType == repo.ContentType &&
		g.repository.RepositoryManager == repo.RepositoryManager
}

type resolutionItem struct {
	artifact   models.Artifact
	result     *ArtifactResult
	local      models.LocalArtifactResult
	repository *models.RemoteRepository
	context    string

	// resolved is shared by all items of one request so that a download
	// satisfied by an earlier group is skipped in later ones.
	resolved *atomic.Bool

	download *services.ArtifactDownload
	check    *services.UpdateCheck
}
