// Package localrepo maps coordinates to paths under the local repository
// and tracks which remotes contributed each cached file.
package localrepo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/session"
)

// SimpleManager lays artifacts out under the basedir without recording
// their origin: any existing file is considered available, so a download
// and a local install are indistinguishable.
type SimpleManager struct {
	repo models.LocalRepository
}

// NewSimpleManager creates a SimpleManager over basedir.
func NewSimpleManager(basedir string) *SimpleManager {
	return &SimpleManager{repo: models.LocalRepository{Basedir: basedir, ContentType: "simple"}}
}

func (m *SimpleManager) Repository() *models.LocalRepository {
	r := m.repo
	return &r
}

// PathForLocalArtifact returns the path of a locally installed artifact,
// named by its base version.
func (m *SimpleManager) PathForLocalArtifact(a models.Artifact) string {
	return artifactPath(a, true)
}

// PathForRemoteArtifact returns the path a download from any remote is
// placed at, named by the (possibly timestamped) version.
func (m *SimpleManager) PathForRemoteArtifact(a models.Artifact, remote *models.RemoteRepository, context string) string {
	return artifactPath(a, false)
}

func (m *SimpleManager) PathForLocalMetadata(md models.Metadata) string {
	return metadataPath(md, "local")
}

func (m *SimpleManager) PathForRemoteMetadata(md models.Metadata, remote *models.RemoteRepository, context string) string {
	return metadataPath(md, repositoryKey(remote, context))
}

// Find answers with the file at the remote-form path; existence alone
// makes the artifact available.
func (m *SimpleManager) Find(s *session.Session, req models.LocalArtifactRequest) models.LocalArtifactResult {
	result := models.LocalArtifactResult{Request: req}
	file := filepath.Join(m.repo.Basedir, artifactPath(req.Artifact, false))
	if isFile(file) {
		result.File = file
		result.Available = true
	}
	return result
}

func (m *SimpleManager) FindMetadata(s *session.Session, req models.LocalMetadataRequest) models.LocalMetadataResult {
	result := models.LocalMetadataResult{Request: req}
	var path string
	if req.Repository == nil {
		path = m.PathForLocalMetadata(req.Metadata)
	} else {
		path = m.PathForRemoteMetadata(req.Metadata, req.Repository, req.Context)
	}
	file := filepath.Join(m.repo.Basedir, path)
	if isFile(file) {
		result.File = file
	}
	return result
}

// Add is a no-op: the simple layout keeps no origin index.
func (m *SimpleManager) Add(s *session.Session, reg models.LocalArtifactRegistration) error {
	return nil
}

func (m *SimpleManager) AddMetadata(s *session.Session, reg models.LocalMetadataRegistration) error {
	return nil
}

// artifactPath renders g/r/o/u/p/artifactId/baseVersion/artifactId-version
// [-classifier].ext; the local form names the file by the base version.
func artifactPath(a models.Artifact, local bool) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(a.GroupID, ".", "/"))
	b.WriteByte('/')
	b.WriteString(a.ArtifactID)
	b.WriteByte('/')
	b.WriteString(a.BaseVersion())
	b.WriteByte('/')
	b.WriteString(a.ArtifactID)
	b.WriteByte('-')
	if local {
		b.WriteString(a.BaseVersion())
	} else {
		b.WriteString(a.Version)
	}
	if a.Classifier != "" {
		b.WriteByte('-')
		b.WriteString(a.Classifier)
	}
	if a.Extension != "" {
		b.WriteByte('.')
		b.WriteString(a.Extension)
	}
	return b.String()
}

// metadataPath renders the scope directories the metadata addresses and a
// filename with the repository key spliced in before the type's first
// dot, e.g. "maven-metadata-central.xml".
func metadataPath(md models.Metadata, repoKey string) string {
	var b strings.Builder
	if md.GroupID != "" {
		b.WriteString(strings.ReplaceAll(md.GroupID, ".", "/"))
		b.WriteByte('/')
		if md.ArtifactID != "" {
			b.WriteString(md.ArtifactID)
			b.WriteByte('/')
			if md.Version != "" {
				b.WriteString(md.Version)
				b.WriteByte('/')
			}
		}
	}
	b.WriteString(insertRepositoryKey(md.Type, repoKey))
	return b.String()
}

func insertRepositoryKey(fileType, repoKey string) string {
	if i := strings.IndexByte(fileType, '.'); i >= 0 {
		return fileType[:i] + "-" + repoKey + fileType[i:]
	}
	return fileType + "-" + repoKey
}

// repositoryKey distinguishes metadata served by a repository manager per
// request context, since the aggregated content differs between contexts.
func repositoryKey(remote *models.RemoteRepository, context string) string {
	if remote.RepositoryManager {
		return remote.ID + "-" + context
	}
	return remote.ID
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
