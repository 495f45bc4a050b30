package resolver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

// MetadataResolver obtains local files for repository metadata. It runs
// the artifact pipeline minus workspace consultation and version
// resolution: local cache, update check, then a grouped download.
type MetadataResolver struct {
	dispatcher  services.EventDispatcher
	updates     services.UpdateCheckManager
	connectors  services.ConnectorProvider
	syncFactory services.SyncContextFactory
	offline     services.OfflineController
	analyzerFn  func(policy1, policy2 string) string
	logger      zerolog.Logger
}

// NewMetadataResolver wires a MetadataResolver. effectivePolicy merges
// the release and snapshot update policies for metadata addressing both.
func NewMetadataResolver(
	dispatcher services.EventDispatcher,
	updates services.UpdateCheckManager,
	connectors services.ConnectorProvider,
	syncFactory services.SyncContextFactory,
	offline services.OfflineController,
	effectivePolicy func(policy1, policy2 string) string,
	logger zerolog.Logger,
) *MetadataResolver {
	return &MetadataResolver{
		dispatcher:  dispatcher,
		updates:     updates,
		connectors:  connectors,
		syncFactory: syncFactory,
		offline:     offline,
		analyzerFn:  effectivePolicy,
		logger:      logger,
	}
}

// ResolveMetadata resolves a batch of metadata requests. All results are
// returned; the error is a *MetadataResolutionError iff any request
// ended without a file.
func (r *MetadataResolver) ResolveMetadata(s *session.Session, reqs []*MetadataRequest) ([]*MetadataResult, error) {
	syncCtx := r.syncFactory.New(s, true)
	defer syncCtx.Close()

	items := make([]models.Metadata, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, req.Metadata)
	}
	if err := syncCtx.Acquire(nil, items); err != nil {
		return nil, fmt.Errorf("acquiring metadata locks: %w", err)
	}

	results := make([]*MetadataResult, 0, len(reqs))
	var groups []*metadataGroup

	lrm := s.LocalRepositoryManager

	for _, req := range reqs {
		result := &MetadataResult{Request: *req}
		results = append(results, result)

		metadata := req.Metadata
		r.metadataResolving(s, metadata)

		if req.Repository == nil {
			local := lrm.FindMetadata(s, models.LocalMetadataRequest{
				Metadata: metadata,
				Context:  req.Context,
			})
			if local.File != "" {
				metadata = metadata.WithFile(local.File)
				result.Metadata = metadata
			} else {
				result.Err = &services.MetadataNotFoundError{Metadata: metadata}
			}
			r.metadataResolved(s, metadata, lrm.Repository(), result.Err)
			continue
		}

		policy := r.policyFor(s, req.Repository, metadata.Nature)
		if !policy.Enabled {
			r.metadataResolved(s, metadata, req.Repository, nil)
			continue
		}

		if err := r.offline.CheckOffline(s, req.Repository); err != nil {
			result.Err = err
			r.metadataResolved(s, metadata, req.Repository, err)
			continue
		}

		path := lrm.PathForRemoteMetadata(metadata, req.Repository, req.Context)
		metadataFile := filepath.Join(lrm.Repository().Basedir, path)

		check := &services.UpdateCheck{
			Metadata:   metadata,
			File:       metadataFile,
			FileValid:  true,
			Repository: req.Repository,
			Policy:     policy.UpdatePolicy,
		}
		r.updates.CheckMetadata(s, check)

		if !check.Required {
			if check.Err != nil {
				result.Err = check.Err
			} else if fileExists(metadataFile) {
				result.Metadata = metadata.WithFile(metadataFile)
			}
			r.metadataResolved(s, result.Metadata, req.Repository, result.Err)
			continue
		}

		item := &metadataItem{result: result, metadata: metadata, file: metadataFile, check: check}
		grouped := false
		for _, group := range groups {
			if group.matches(req.Repository) {
				group.items = append(group.items, item)
				grouped = true
				break
			}
		}
		if !grouped {
			groups = append(groups, &metadataGroup{repository: req.Repository, items: []*metadataItem{item}})
		}
	}

	if len(groups) > 0 {
		var eg errgroup.Group
		eg.SetLimit(s.GetInt(session.KeyMetadataThreads, 4))
		for _, group := range groups {
			eg.Go(func() error {
				r.performDownloads(s, group)
				return nil
			})
		}
		eg.Wait()
	}

	failures := false
	for _, result := range results {
		if !result.Resolved() {
			failures = true
			if result.Err == nil {
				result.Err = &services.MetadataNotFoundError{
					Metadata:   result.Request.Metadata,
					Repository: result.Request.Repository,
				}
			}
		}
	}
	if failures {
		return results, &MetadataResolutionError{Results: results}
	}
	return results, nil
}

// policyFor selects the repository policy governing a metadata nature;
// metadata addressing both natures gets the merged, stricter policy.
func (r *MetadataResolver) policyFor(s *session.Session, repo *models.RemoteRepository, nature models.Nature) models.RepositoryPolicy {
	switch nature {
	case models.Release:
		return s.EffectivePolicy(repo.Policy(false))
	case models.Snapshot:
		return s.EffectivePolicy(repo.Policy(true))
	default:
		release := s.EffectivePolicy(repo.Policy(false))
		snapshot := s.EffectivePolicy(repo.Policy(true))
		merged := models.RepositoryPolicy{
			Enabled:        release.Enabled || snapshot.Enabled,
			UpdatePolicy:   r.analyzerFn(release.UpdatePolicy, snapshot.UpdatePolicy),
			ChecksumPolicy: release.ChecksumPolicy,
		}
		return merged
	}
}

func (r *MetadataResolver) performDownloads(s *session.Session, group *metadataGroup) {
	lrm := s.LocalRepositoryManager

	downloads := make([]*services.MetadataDownload, 0, len(group.items))
	for _, item := range group.items {
		policy := s.EffectivePolicy(group.repository.Policy(item.metadata.Nature != models.Release))
		download := &services.MetadataDownload{
			Metadata:       item.metadata,
			File:           item.file,
			ChecksumPolicy: policy.ChecksumPolicy,
			Context:        item.result.Request.Context,
		}
		item.download = download
		downloads = append(downloads, download)
		r.metadataDownloading(s, item.metadata, group.repository)
	}

	connector, err := r.connectors.NewConnector(s, group.repository)
	if err != nil {
		for _, download := range downloads {
			download.Err = &services.MetadataTransferError{
				Metadata:   download.Metadata,
				Repository: group.repository,
				Cause:      err,
			}
		}
	} else {
		connector.Get(nil, downloads)
		connector.Close()
	}

	for _, item := range group.items {
		item.check.Err = item.download.Err
		r.updates.TouchMetadata(s, item.check)

		if item.download.Err == nil {
			metadata := item.metadata.WithFile(item.file)
			item.result.Metadata = metadata
			item.result.Updated = true
			if err := lrm.AddMetadata(s, models.LocalMetadataRegistration{
				Metadata:   metadata,
				Repository: group.repository,
				Contexts:   []string{item.result.Request.Context},
			}); err != nil {
				r.logger.Error().Err(err).Stringer("metadata", metadata).
					Msg("could not register downloaded metadata")
			}
			r.metadataDownloaded(s, metadata, group.repository, nil)
			r.metadataResolved(s, metadata, group.repository, nil)
		} else {
			item.result.Err = item.download.Err
			if isMetadataNotFound(item.download.Err) && item.result.Request.DeleteLocalCopyIfMissing {
				if err := os.Remove(item.file); err != nil && !os.IsNotExist(err) {
					r.logger.Debug().Err(err).Str("file", item.file).
						Msg("could not delete stale metadata")
				}
			}
			r.metadataDownloaded(s, item.metadata, group.repository, item.download.Err)
			r.metadataResolved(s, item.metadata, group.repository, item.download.Err)
		}
	}
}

func isMetadataNotFound(err error) bool {
	_, ok := err.(*services.MetadataNotFoundError)
	return ok
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func (r *MetadataResolver) metadataResolving(s *session.Session, m models.Metadata) {
	r.dispatcher.Dispatch(s, models.Event{Type: models.MetadataResolving, Metadata: &m})
}

func (r *MetadataResolver) metadataResolved(s *session.Session, m models.Metadata, repo models.Repository, err error) {
	ev := models.Event{Type: models.MetadataResolved, Metadata: &m, Repository: repo, File: m.File}
	if err != nil {
		ev.Errors = []error{err}
	}
	r.dispatcher.Dispatch(s, ev)
}

func (r *MetadataResolver) metadataDownloading(s *session.Session, m models.Metadata, repo *models.RemoteRepository) {
	r.dispatcher.Dispatch(s, models.Event{Type: models.MetadataDownloading, Metadata: &m, Repository: repo})
}

func (r *MetadataResolver) metadataDownloaded(s *session.Session, m models.Metadata, repo *models.RemoteRepository, err error) {
	ev := models.Event{Type: models.MetadataDownloaded, Metadata: &m, Repository: repo, File: m.File}
	if err != nil {
		ev.Errors = []error{err}
	}
	r.dispatcher.Dispatch(s, ev)
}

type metadataGroup struct {
	repository *models.RemoteRepository
	items      []*metadataItem
}

func (g *metadataGroup) matches(repo *models.RemoteRepository) bool {
	return g.repository.URL == repo.URL &&
		g.repository.ContentType == repo.ContentType &&
		g.repository.RepositoryManager == repo.RepositoryManager
}

type metadataItem struct {
	result   *MetadataResult
	metadata models.Metadata
	file     string
	check    *services.UpdateCheck
	download *services.MetadataDownload
}
