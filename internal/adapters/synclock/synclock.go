// Package synclock provides cross-process mutual exclusion over sets of
// artifacts and metadata, keyed by coordinate fingerprints rather than
// file paths so that resolvers and installers rendezvous even when their
// local paths differ in case or separators.
package synclock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

const lockDirName = ".locks"

// Factory creates file-lock based sync contexts rooted in the session's
// local repository.
type Factory struct {
	logger zerolog.Logger
}

// NewFactory creates a Factory.
func NewFactory(logger zerolog.Logger) *Factory {
	return &Factory{logger: logger}
}

// New returns a sync context; a shared context allows concurrent readers.
func (f *Factory) New(s *session.Session, shared bool) services.SyncContext {
	dir := os.TempDir()
	if s != nil && s.LocalRepositoryManager != nil {
		dir = s.LocalRepositoryManager.Repository().Basedir
	}
	return &lockContext{
		dir:    filepath.Join(dir, lockDirName),
		shared: shared,
		held:   map[string]*flock.Flock{},
		logger: f.logger,
	}
}

type lockContext struct {
	dir    string
	shared bool
	held   map[string]*flock.Flock
	logger zerolog.Logger
}

// Acquire locks the fingerprints of all given items in sorted order.
// Fingerprints already held by this context are skipped, making repeated
// acquisition within one context a no-op.
func (c *lockContext) Acquire(artifacts []models.Artifact, metadata []models.Metadata) error {
	keys := make([]string, 0, len(artifacts)+len(metadata))
	for _, a := range artifacts {
		keys = append(keys, artifactFingerprint(a))
	}
	for _, m := range metadata {
		keys = append(keys, metadataFingerprint(m))
	}
	sort.Strings(keys)

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	for _, key := range keys {
		if _, ok := c.held[key]; ok {
			continue
		}
		lock := flock.New(filepath.Join(c.dir, key+".lock"))
		var err error
		if c.shared {
			err = lock.RLock()
		} else {
			err = lock.Lock()
		}
		if err != nil {
			c.Close()
			return fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		c.held[key] = lock
	}
	return nil
}

// Close releases every lock held by this context. Safe to call multiple
// times.
func (c *lockContext) Close() {
	for key, lock := range c.held {
		if err := lock.Unlock(); err != nil {
			c.logger.Error().Err(err).Str("lock", key).Msg("could not release lock")
		}
		delete(c.held, key)
	}
}

func artifactFingerprint(a models.Artifact) string {
	return fingerprint("artifact", a.GroupID, a.ArtifactID, a.BaseVersion())
}

func metadataFingerprint(m models.Metadata) string {
	return fingerprint("metadata", m.GroupID, m.ArtifactID, m.Version)
}

func fingerprint(kind string, parts ...string) string {
	h := sha256.Sum256([]byte(kind + ":" + strings.ToLower(strings.Join(parts, ":"))))
	return hex.EncodeToString(h[:16])
}
