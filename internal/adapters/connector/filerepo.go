package connector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/foundry/depot/internal/adapters/fileproc"
	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
	"github.com/foundry/depot/internal/util/hashing"
)

// FileFactory creates connectors for file:// remotes.
type FileFactory struct {
	fileProcessor services.FileProcessor
	logger        zerolog.Logger
}

// NewFileFactory creates a FileFactory. A nil file processor falls back
// to the default implementation.
func NewFileFactory(fp services.FileProcessor, logger zerolog.Logger) *FileFactory {
	if fp == nil {
		fp = fileproc.NewProcessor()
	}
	return &FileFactory{fileProcessor: fp, logger: logger}
}

func (f *FileFactory) Priority() float64 { return 0 }

// NewConnector accepts remotes with a file:// URL.
func (f *FileFactory) NewConnector(s *session.Session, r *models.RemoteRepository) (services.RepositoryConnector, error) {
	basedir, ok := fileBasedir(r.URL)
	if !ok {
		return nil, &services.NoConnectorError{Repository: r}
	}
	return &fileConnector{
		basedir:       basedir,
		repository:    r,
		fileProcessor: f.fileProcessor,
		threads:       s.GetInt(session.KeyArtifactThreads, 5),
		logger:        f.logger,
	}, nil
}

func fileBasedir(url string) (string, bool) {
	switch {
	case strings.HasPrefix(url, "file://"):
		return strings.TrimPrefix(url, "file://"), true
	case strings.HasPrefix(url, "file:"):
		return strings.TrimPrefix(url, "file:"), true
	}
	return "", false
}

type fileConnector struct {
	basedir       string
	repository    *models.RemoteRepository
	fileProcessor services.FileProcessor
	threads       int
	logger        zerolog.Logger
}

// Get serves downloads from the connector's basedir, verifying sha256
// sidecar files per the download's checksum policy. Transfers run in
// parallel up to the session's thread hint; outcomes are recorded on the
// descriptors.
func (c *fileConnector) Get(artifacts []*services.ArtifactDownload, metadata []*services.MetadataDownload) {
	var eg errgroup.Group
	eg.SetLimit(c.threads)

	for _, download := range artifacts {
		eg.Go(func() error {
			download.Err = c.getArtifact(download)
			return nil
		})
	}
	for _, download := range metadata {
		eg.Go(func() error {
			download.Err = c.getMetadata(download)
			return nil
		})
	}
	eg.Wait()
}

func (c *fileConnector) getArtifact(download *services.ArtifactDownload) error {
	src := filepath.Join(c.basedir, repositoryPath(download.Artifact))
	fi, err := os.Stat(src)
	if err != nil || !fi.Mode().IsRegular() {
		return &services.ArtifactNotFoundError{Artifact: download.Artifact, Repository: c.repository}
	}

	if download.ExistenceCheck {
		return nil
	}

	if _, err := c.fileProcessor.Copy(src, download.File, nil); err != nil {
		return &services.ArtifactTransferError{
			Artifact: download.Artifact, Repository: c.repository, Cause: err,
		}
	}
	if err := c.verifyChecksum(src, download.File, download.ChecksumPolicy); err != nil {
		os.Remove(download.File)
		return &services.ArtifactTransferError{
			Artifact: download.Artifact, Repository: c.repository, Cause: err,
		}
	}
	return nil
}

func (c *fileConnector) getMetadata(download *services.MetadataDownload) error {
	src := filepath.Join(c.basedir, metadataRepositoryPath(download.Metadata))
	fi, err := os.Stat(src)
	if err != nil || !fi.Mode().IsRegular() {
		return &services.MetadataNotFoundError{Metadata: download.Metadata, Repository: c.repository}
	}

	if _, err := c.fileProcessor.Copy(src, download.File, nil); err != nil {
		return &services.MetadataTransferError{
			Metadata: download.Metadata, Repository: c.repository, Cause: err,
		}
	}
	if err := c.verifyChecksum(src, download.File, download.ChecksumPolicy); err != nil {
		os.Remove(download.File)
		return &services.MetadataTransferError{
			Metadata: download.Metadata, Repository: c.repository, Cause: err,
		}
	}
	return nil
}

// verifyChecksum compares the downloaded file against the remote-side
// sha256 sidecar. A missing sidecar fails only under the fail policy.
func (c *fileConnector) verifyChecksum(src, dst, policy string) error {
	if policy == models.ChecksumIgnore || policy == "" {
		return nil
	}

	expected, err := os.ReadFile(src + ".sha256")
	if err != nil {
		if policy == models.ChecksumFail {
			return fmt.Errorf("checksum missing for %s", filepath.Base(src))
		}
		c.logger.Warn().Str("file", filepath.Base(src)).Msg("checksum missing, skipping verification")
		return nil
	}

	actual, err := hashing.FileSHA256(dst)
	if err != nil {
		return fmt.Errorf("computing checksum: %w", err)
	}
	if actual != strings.TrimSpace(string(expected)) {
		if policy == models.ChecksumFail {
			return fmt.Errorf("checksum mismatch for %s", filepath.Base(src))
		}
		c.logger.Warn().Str("file", filepath.Base(src)).Msg("checksum mismatch")
	}
	return nil
}

// Put publishes uploads into the connector's basedir together with their
// sha256 sidecars.
func (c *fileConnector) Put(artifacts []*services.ArtifactUpload, metadata []*services.MetadataUpload) {
	var eg errgroup.Group
	eg.SetLimit(c.threads)

	for _, upload := range artifacts {
		eg.Go(func() error {
			dst := filepath.Join(c.basedir, repositoryPath(upload.Artifact))
			if err := c.putFile(upload.File, dst); err != nil {
				upload.Err = &services.ArtifactTransferError{
					Artifact: upload.Artifact, Repository: c.repository, Cause: err,
				}
			}
			return nil
		})
	}
	for _, upload := range metadata {
		eg.Go(func() error {
			dst := filepath.Join(c.basedir, metadataRepositoryPath(upload.Metadata))
			if err := c.putFile(upload.File, dst); err != nil {
				upload.Err = &services.MetadataTransferError{
					Metadata: upload.Metadata, Repository: c.repository, Cause: err,
				}
			}
			return nil
		})
	}
	eg.Wait()
}

func (c *fileConnector) putFile(src, dst string) error {
	if _, err := c.fileProcessor.Copy(src, dst, nil); err != nil {
		return err
	}
	sum, err := hashing.FileSHA256(dst)
	if err != nil {
		return err
	}
	return c.fileProcessor.Write(dst+".sha256", []byte(sum+"\n"))
}

func (c *fileConnector) Close() error { return nil }
