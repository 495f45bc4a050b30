package update

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

// TrackingStore persists the touch records; implemented by the trackfile
// store.
type TrackingStore interface {
	Read(path string) map[string]string
	Update(path string, updates map[string]*string) map[string]string
}

const (
	updatedKeySuffix = ".lastUpdated"
	errorKeySuffix   = ".error"

	// notFound is the error value recording a confirmed absence, as
	// opposed to a transfer failure whose message is stored verbatim.
	notFound = ""

	sessionChecksKey = "updateCheckManager.checks"

	metadataTouchName = "resolver-status.properties"
)

// Manager answers update checks using the touch-file records maintained
// by the trackfile store and a per-session memo, and persists each
// outcome for future runs.
type Manager struct {
	analyzer *PolicyAnalyzer
	store    TrackingStore
	logger   zerolog.Logger
}

// NewManager creates a Manager.
func NewManager(analyzer *PolicyAnalyzer, store TrackingStore, logger zerolog.Logger) *Manager {
	return &Manager{analyzer: analyzer, store: store, logger: logger}
}

// CheckArtifact decides whether the artifact described by check must be
// re-fetched from its repository, filling Required and possibly Err.
func (m *Manager) CheckArtifact(s *session.Session, check *services.UpdateCheck) {
	if !check.LocalLastUpdated.IsZero() &&
		!m.analyzer.IsUpdateRequired(time.Now(), check.LocalLastUpdated, check.Policy) {
		m.logger.Debug().Stringer("artifact", check.Artifact).
			Msg("skipped remote update check, locally installed artifact up-to-date")
		check.Required = false
		return
	}

	if check.File == "" {
		panic(fmt.Sprintf("artifact %s has no file attached", check.Artifact))
	}

	fileExists := check.FileValid && pathExists(check.File)

	records := m.store.Read(artifactTouchFile(check.File))

	updateKey := m.updateKey(s, check.File, check.Repository)
	dataKey := artifactDataKey(m.authoritative(check))

	err, errCached := errorRecord(records, dataKey)

	var lastUpdated int64
	switch {
	case fileExists:
		lastUpdated = modTimeMillis(check.File)
	case !errCached:
		// first attempt ever
		lastUpdated = 0
	case err == notFound:
		lastUpdated = lastUpdatedMillis(records, dataKey)
	default:
		// a transfer failure is keyed by the full transport identity so
		// a retry is allowed the moment authentication or proxies change
		lastUpdated = lastUpdatedMillis(records, repoKey(s, check.Repository))
	}

	switch {
	case m.alreadyUpdated(s, updateKey):
		m.logger.Debug().Stringer("artifact", check.Artifact).
			Msg("skipped remote update check, already updated during this session")
		check.Required = false
		if errCached {
			check.Err = m.artifactException(err, check.Artifact, check.Repository)
		}
	case lastUpdated == 0:
		check.Required = true
	case m.analyzer.IsUpdateRequired(time.Now(), time.UnixMilli(lastUpdated), check.Policy):
		check.Required = true
	case fileExists:
		m.logger.Debug().Stringer("artifact", check.Artifact).
			Msg("skipped remote update check, locally cached artifact up-to-date")
		check.Required = false
	default:
		if err == notFound {
			if s.ErrorPolicy&session.CacheNotFound != 0 {
				check.Required = false
				check.Err = m.artifactException(err, check.Artifact, check.Repository)
			} else {
				check.Required = true
			}
		} else {
			if s.ErrorPolicy&session.CacheTransferError != 0 {
				check.Required = false
				check.Err = m.artifactException(err, check.Artifact, check.Repository)
			} else {
				check.Required = true
			}
		}
	}
}

// CheckMetadata is CheckArtifact for metadata; the key derivation and the
// freshness source differ as the touch record is shared among siblings.
func (m *Manager) CheckMetadata(s *session.Session, check *services.UpdateCheck) {
	if !check.LocalLastUpdated.IsZero() &&
		!m.analyzer.IsUpdateRequired(time.Now(), check.LocalLastUpdated, check.Policy) {
		m.logger.Debug().Stringer("metadata", check.Metadata).
			Msg("skipped remote update check, locally installed metadata up-to-date")
		check.Required = false
		return
	}

	if check.File == "" {
		panic(fmt.Sprintf("metadata %s has no file attached", check.Metadata))
	}

	fileExists := check.FileValid && pathExists(check.File)

	records := m.store.Read(metadataTouchFile(check.File))

	updateKey := m.updateKey(s, check.File, check.Repository)
	dataKey := metadataDataKey(check.File)

	err, errCached := errorRecord(records, dataKey)

	var lastUpdated int64
	switch {
	case !errCached:
		if fileExists {
			// last update was successful
			lastUpdated = lastUpdatedMillis(records, dataKey)
		} else {
			lastUpdated = 0
		}
	case err == notFound:
		lastUpdated = lastUpdatedMillis(records, dataKey)
	default:
		lastUpdated = lastUpdatedMillis(records, metadataTransferKey(s, check.File, check.Repository))
	}

	switch {
	case m.alreadyUpdated(s, updateKey):
		m.logger.Debug().Stringer("metadata", check.Metadata).
			Msg("skipped remote update check, already updated during this session")
		check.Required = false
		if errCached {
			check.Err = m.metadataException(err, check.Metadata, check.Repository)
		}
	case lastUpdated == 0:
		check.Required = true
	case m.analyzer.IsUpdateRequired(time.Now(), time.UnixMilli(lastUpdated), check.Policy):
		check.Required = true
	case fileExists:
		m.logger.Debug().Stringer("metadata", check.Metadata).
			Msg("skipped remote update check, locally cached metadata up-to-date")
		check.Required = false
	default:
		if err == notFound {
			if s.ErrorPolicy&session.CacheNotFound != 0 {
				check.Required = false
				check.Err = m.metadataException(err, check.Metadata, check.Repository)
			} else {
				check.Required = true
			}
		} else {
			if s.ErrorPolicy&session.CacheTransferError != 0 {
				check.Required = false
				check.Err = m.metadataException(err, check.Metadata, check.Repository)
			} else {
				check.Required = true
			}
		}
	}
}

// TouchArtifact persists the outcome recorded in check and memoizes the
// update key for the rest of the session. After a successful fetch the
// touch file is removed entirely once no error records remain.
func (m *Manager) TouchArtifact(s *session.Session, check *services.UpdateCheck) {
	touchFile := artifactTouchFile(check.File)

	updateKey := m.updateKey(s, check.File, check.Repository)
	dataKey := artifactDataKey(m.authoritative(check))
	transferKey := repoKey(s, check.Repository)

	m.setUpdated(s, updateKey)
	records := m.store.Update(touchFile, touchUpdates(dataKey, transferKey, check.Err))

	if pathExists(check.File) && !hasErrors(records) {
		os.Remove(touchFile)
	}
}

// TouchMetadata persists the outcome recorded in check.
func (m *Manager) TouchMetadata(s *session.Session, check *services.UpdateCheck) {
	touchFile := metadataTouchFile(check.File)

	updateKey := m.updateKey(s, check.File, check.Repository)
	dataKey := metadataDataKey(check.File)
	transferKey := metadataTransferKey(s, check.File, check.Repository)

	m.setUpdated(s, updateKey)
	m.store.Update(touchFile, touchUpdates(dataKey, transferKey, check.Err))
}

// touchUpdates builds the record changes for one outcome: success clears
// the error, a confirmed absence records the empty error value, and a
// transfer failure records its message under the transport identity.
func touchUpdates(dataKey, transferKey string, err error) map[string]*string {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	updates := make(map[string]*string, 3)
	switch {
	case err == nil:
		updates[dataKey+errorKeySuffix] = nil
		updates[dataKey+updatedKeySuffix] = &timestamp
		updates[transferKey+updatedKeySuffix] = nil
	case isNotFound(err):
		nf := notFound
		updates[dataKey+errorKeySuffix] = &nf
		updates[dataKey+updatedKeySuffix] = &timestamp
		updates[transferKey+updatedKeySuffix] = nil
	default:
		msg := err.Error()
		updates[dataKey+errorKeySuffix] = &msg
		updates[dataKey+updatedKeySuffix] = nil
		updates[transferKey+updatedKeySuffix] = &timestamp
	}
	return updates
}

func isNotFound(err error) bool {
	switch err.(type) {
	case *services.ArtifactNotFoundError, *services.MetadataNotFoundError:
		return true
	}
	return false
}

func hasErrors(records map[string]string) bool {
	for key := range records {
		if strings.HasSuffix(key, errorKeySuffix) {
			return true
		}
	}
	return false
}

func (m *Manager) artifactException(err string, a models.Artifact, r *models.RemoteRepository) error {
	if err == notFound {
		return &services.ArtifactNotFoundError{
			Artifact:   a,
			Repository: r,
			Reason: fmt.Sprintf("failure to find %s in %s was cached in the local repository, "+
				"resolution will not be reattempted until the update interval of %s has elapsed "+
				"or updates are forced", a, r.URL, r.ID),
		}
	}
	return &services.ArtifactTransferError{
		Artifact:   a,
		Repository: r,
		Reason: fmt.Sprintf("failure to transfer %s from %s was cached in the local repository, "+
			"resolution will not be reattempted until the update interval of %s has elapsed "+
			"or updates are forced. Original error: %s", a, r.URL, r.ID, err),
	}
}

func (m *Manager) metadataException(err string, md models.Metadata, r *models.RemoteRepository) error {
	if err == notFound {
		return &services.MetadataNotFoundError{
			Metadata:   md,
			Repository: r,
			Reason: fmt.Sprintf("failure to find %s in %s was cached in the local repository, "+
				"resolution will not be reattempted until the update interval of %s has elapsed "+
				"or updates are forced", md, r.URL, r.ID),
		}
	}
	return &services.MetadataTransferError{
		Metadata:   md,
		Repository: r,
		Reason: fmt.Sprintf("failure to transfer %s from %s was cached in the local repository, "+
			"resolution will not be reattempted until the update interval of %s has elapsed "+
			"or updates are forced. Original error: %s", md, r.URL, r.ID, err),
	}
}

// authoritative returns the repository the artifact data key should be
// derived from, falling back to the download repository.
func (m *Manager) authoritative(check *services.UpdateCheck) *models.RemoteRepository {
	if check.AuthoritativeRepository != nil {
		return check.AuthoritativeRepository
	}
	return check.Repository
}

// Session memo. The memo map is published once under sessionChecksKey;
// concurrent creators converge through compare-and-set.

func (m *Manager) bypassSession(s *session.Session) bool {
	return s.GetString(session.KeySessionState, "enabled") == "bypass"
}

func (m *Manager) alreadyUpdated(s *session.Session, updateKey string) bool {
	if m.bypassSession(s) {
		return false
	}
	checks, ok := s.Data().Get(sessionChecksKey).(*sync.Map)
	if !ok {
		return false
	}
	_, hit := checks.Load(updateKey)
	return hit
}

func (m *Manager) setUpdated(s *session.Session, updateKey string) {
	if m.bypassSession(s) {
		return
	}
	data := s.Data()
	for {
		cur := data.Get(sessionChecksKey)
		if checks, ok := cur.(*sync.Map); ok {
			checks.Store(updateKey, true)
			return
		}
		if data.CompareAndSet(sessionChecksKey, cur, &sync.Map{}) {
			continue
		}
	}
}

// Key derivation.

func artifactTouchFile(file string) string {
	return file + updatedKeySuffix
}

func metadataTouchFile(file string) string {
	return filepath.Join(filepath.Dir(file), metadataTouchName)
}

// artifactDataKey identifies the logical location of an artifact: the
// repository URL plus, for a repository manager, its sorted mirrored
// URLs. Stable across transport reconfiguration.
func artifactDataKey(r *models.RemoteRepository) string {
	var b strings.Builder
	b.WriteString(normalizeURL(r.URL))
	if r.RepositoryManager {
		urls := make([]string, 0, len(r.Mirrored))
		for _, mirrored := range r.Mirrored {
			urls = append(urls, normalizeURL(mirrored.URL))
		}
		sort.Strings(urls)
		for _, u := range urls {
			b.WriteByte('+')
			b.WriteString(u)
		}
	}
	return b.String()
}

func metadataDataKey(file string) string {
	return filepath.Base(file)
}

func metadataTransferKey(s *session.Session, file string, r *models.RemoteRepository) string {
	return filepath.Base(file) + "/" + repoKey(s, r)
}

// repoKey encodes the full transport identity of a remote: proxy, digests
// of the configured credentials, content type and URL.
func repoKey(s *session.Session, r *models.RemoteRepository) string {
	var b strings.Builder
	if r.Proxy != nil {
		b.WriteString(authDigestForProxy(s, r))
		b.WriteByte('@')
		b.WriteString(r.Proxy.Host)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.Proxy.Port))
		b.WriteByte('>')
	}
	b.WriteString(authDigestForRepository(s, r))
	b.WriteByte('@')
	b.WriteString(r.ContentType)
	b.WriteByte('-')
	b.WriteString(normalizeURL(r.URL))
	return b.String()
}

func authDigestForRepository(s *session.Session, r *models.RemoteRepository) string {
	if s.AuthDigest == nil {
		return ""
	}
	return s.AuthDigest.ForRepository(s, r)
}

func authDigestForProxy(s *session.Session, r *models.RemoteRepository) string {
	if s.AuthDigest == nil {
		return ""
	}
	return s.AuthDigest.ForProxy(s, r)
}

func (m *Manager) updateKey(s *session.Session, file string, r *models.RemoteRepository) string {
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}
	return abs + "|" + repoKey(s, r)
}

func normalizeURL(url string) string {
	if url != "" && !strings.HasSuffix(url, "/") {
		return url + "/"
	}
	return url
}

func errorRecord(records map[string]string, key string) (string, bool) {
	v, ok := records[key+errorKeySuffix]
	return v, ok
}

// lastUpdatedMillis parses a recorded timestamp; missing or malformed
// values yield the nonzero sentinel 1 so a corrupt record is not mistaken
// for a first attempt.
func lastUpdatedMillis(records map[string]string, key string) int64 {
	value := records[key+updatedKeySuffix]
	if value == "" {
		return 1
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 1
	}
	return millis
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func modTimeMillis(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 1
	}
	return fi.ModTime().UnixMilli()
}
