package localrepo

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/adapters/trackfile"
	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/session"
)

const indexName = "_remote.repositories"

// TrackedManager is the SimpleManager layout plus a per-directory sidecar
// index recording which remotes, in which request contexts, contributed
// each file. An artifact fetched from repository A is therefore not
// assumed present in repository B.
type TrackedManager struct {
	SimpleManager
	store  *trackfile.Store
	logger zerolog.Logger
}

// NewTrackedManager creates a TrackedManager over basedir.
func NewTrackedManager(basedir string, store *trackfile.Store, logger zerolog.Logger) *TrackedManager {
	m := &TrackedManager{store: store, logger: logger}
	m.repo = models.LocalRepository{Basedir: basedir, ContentType: "tracked"}
	return m
}

// Find returns the file at the remote-form path; availability requires an
// index entry for one of the queried remotes (or a local install) in the
// request's context.
func (m *TrackedManager) Find(s *session.Session, req models.LocalArtifactRequest) models.LocalArtifactResult {
	result := models.LocalArtifactResult{Request: req}
	file := filepath.Join(m.repo.Basedir, artifactPath(req.Artifact, false))
	if !isFile(file) {
		return result
	}
	result.File = file

	records := m.store.Read(indexFile(file))
	if _, ok := records[indexKey(file, "", req.Context)]; ok {
		result.Available = true
		return result
	}
	for _, remote := range req.Repositories {
		if _, ok := records[indexKey(file, remote.URL, req.Context)]; ok {
			result.Available = true
			result.Repository = remote
			break
		}
	}
	return result
}

// Add records the artifact's origin in the sidecar index. A registration
// without repository marks a local install; one without contexts applies
// to the empty context.
func (m *TrackedManager) Add(s *session.Session, reg models.LocalArtifactRegistration) error {
	var file string
	if reg.Repository == nil {
		file = filepath.Join(m.repo.Basedir, artifactPath(reg.Artifact, true))
	} else {
		file = filepath.Join(m.repo.Basedir, artifactPath(reg.Artifact, false))
	}

	url := ""
	if reg.Repository != nil {
		url = reg.Repository.URL
	}
	contexts := reg.Contexts
	if len(contexts) == 0 {
		contexts = []string{""}
	}

	one := "1"
	updates := make(map[string]*string, len(contexts))
	for _, context := range contexts {
		updates[indexKey(file, url, context)] = &one
	}
	m.store.Update(indexFile(file), updates)
	return nil
}

func indexFile(artifactFile string) string {
	return filepath.Join(filepath.Dir(artifactFile), indexName)
}

// indexKey is <filename>><repositoryURL>+<context>; a local install has
// an empty URL.
func indexKey(file, repositoryURL, context string) string {
	var b strings.Builder
	b.WriteString(filepath.Base(file))
	b.WriteByte('>')
	b.WriteString(repositoryURL)
	b.WriteByte('+')
	b.WriteString(context)
	return b.String()
}
