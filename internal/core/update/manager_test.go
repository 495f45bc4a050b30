package update

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/adapters/trackfile"
	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

func newTestManager() *Manager {
	store := trackfile.NewStore(zerolog.Nop())
	return NewManager(NewPolicyAnalyzer(zerolog.Nop()), store, zerolog.Nop())
}

func testRemote() *models.RemoteRepository {
	return &models.RemoteRepository{
		ID:          "test",
		ContentType: "default",
		URL:         "http://repo.example/test",
	}
}

func testArtifact() models.Artifact {
	return models.Artifact{
		GroupID: "org.example", ArtifactID: "lib", Version: "1.0", Extension: "jar",
	}
}

func artifactCheck(file string, policy string) *services.UpdateCheck {
	return &services.UpdateCheck{
		Artifact:   testArtifact(),
		File:       file,
		FileValid:  true,
		Repository: testRemote(),
		Policy:     policy,
	}
}

func seedTouch(t *testing.T, file string, records map[string]string) {
	t.Helper()
	store := trackfile.NewStore(zerolog.Nop())
	updates := make(map[string]*string, len(records))
	for k, v := range records {
		value := v
		updates[k] = &value
	}
	store.Update(file+".lastUpdated", updates)
}

func TestManager_FirstCheckRequired(t *testing.T) {
	m := newTestManager()
	s := &session.Session{}
	file := filepath.Join(t.TempDir(), "lib-1.0.jar")

	check := artifactCheck(file, models.UpdateDaily)
	m.CheckArtifact(s, check)

	if !check.Required {
		t.Error("first check ever should be required")
	}
	if check.Err != nil {
		t.Errorf("unexpected exception: %v", check.Err)
	}
}

func TestManager_TouchSuccessDeletesTouchFile(t *testing.T) {
	m := newTestManager()
	s := &session.Session{}
	dir := t.TempDir()
	file := filepath.Join(dir, "lib-1.0.jar")

	check := artifactCheck(file, models.UpdateDaily)
	m.CheckArtifact(s, check)
	if !check.Required {
		t.Fatal("expected required")
	}

	// simulate the download succeeding
	if err := os.WriteFile(file, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.TouchArtifact(s, check)

	if _, err := os.Stat(file + ".lastUpdated"); !os.IsNotExist(err) {
		t.Error("touch file should be deleted after successful fetch")
	}

	// memoized for the rest of the session
	again := artifactCheck(file, models.UpdateAlways)
	m.CheckArtifact(s, again)
	if again.Required {
		t.Error("second check in session should be memoized as not required")
	}
}

func TestManager_CachedNotFound(t *testing.T) {
	m := newTestManager()
	s := &session.Session{ErrorPolicy: session.CacheNotFound}
	file := filepath.Join(t.TempDir(), "lib-1.0.jar")

	dataKey := "http://repo.example/test/"
	seedTouch(t, file, map[string]string{
		dataKey + ".error":       "",
		dataKey + ".lastUpdated": strconv.FormatInt(time.Now().Add(-24*time.Hour).UnixMilli(), 10),
	})

	check := artifactCheck(file, models.UpdateNever)
	m.CheckArtifact(s, check)

	if check.Required {
		t.Error("cached not-found under policy never should not be required")
	}
	var notFound *services.ArtifactNotFoundError
	if !errors.As(check.Err, &notFound) {
		t.Errorf("expected synthesized not-found exception, got %v", check.Err)
	}
	if !errors.Is(check.Err, services.ErrNotFound) {
		t.Error("synthesized exception should match ErrNotFound")
	}
}

func TestManager_CachedNotFoundExpires(t *testing.T) {
	m := newTestManager()
	s := &session.Session{ErrorPolicy: session.CacheNotFound}
	file := filepath.Join(t.TempDir(), "lib-1.0.jar")

	dataKey := "http://repo.example/test/"
	seedTouch(t, file, map[string]string{
		dataKey + ".error":       "",
		dataKey + ".lastUpdated": strconv.FormatInt(time.Now().Add(-24*time.Hour).UnixMilli(), 10),
	})

	check := artifactCheck(file, models.UpdateAlways)
	m.CheckArtifact(s, check)

	if !check.Required {
		t.Error("policy always should force a retry despite the cached not-found")
	}
}

func TestManager_CachedNotFoundWithoutCachePolicy(t *testing.T) {
	m := newTestManager()
	s := &session.Session{ErrorPolicy: session.CacheNone}
	file := filepath.Join(t.TempDir(), "lib-1.0.jar")

	dataKey := "http://repo.example/test/"
	seedTouch(t, file, map[string]string{
		dataKey + ".error":       "",
		dataKey + ".lastUpdated": strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10),
	})

	check := artifactCheck(file, models.UpdateNever)
	m.CheckArtifact(s, check)

	if !check.Required {
		t.Error("without CacheNotFound the absence must be re-verified")
	}
}

func TestManager_TransferErrorCachedPerTransport(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "lib-1.0.jar")

	// record a transfer failure
	{
		m := newTestManager()
		s := &session.Session{}
		check := artifactCheck(file, models.UpdateDaily)
		check.Err = &services.ArtifactTransferError{
			Artifact: check.Artifact, Repository: check.Repository, Reason: "connection refused",
		}
		m.TouchArtifact(s, check)
	}

	// a fresh session with the same transport sees the cached error
	{
		m := newTestManager()
		s := &session.Session{ErrorPolicy: session.CacheTransferError}
		check := artifactCheck(file, models.UpdateDaily)
		m.CheckArtifact(s, check)
		if check.Required {
			t.Error("cached transfer error should suppress the retry")
		}
		var transfer *services.ArtifactTransferError
		if !errors.As(check.Err, &transfer) {
			t.Errorf("expected synthesized transfer exception, got %v", check.Err)
		}
	}

	// changing authentication changes the transfer key, allowing a retry
	{
		m := newTestManager()
		s := &session.Session{
			ErrorPolicy: session.CacheTransferError,
			AuthDigest:  staticDigest("changed"),
		}
		check := artifactCheck(file, models.UpdateDaily)
		m.CheckArtifact(s, check)
		if !check.Required {
			t.Error("changed credentials should allow an immediate retry")
		}
	}
}

type staticDigest string

func (d staticDigest) ForRepository(*session.Session, *models.RemoteRepository) string {
	return string(d)
}

func (d staticDigest) ForProxy(*session.Session, *models.RemoteRepository) string {
	return string(d)
}

func TestManager_LocallyInstalledFreshEnough(t *testing.T) {
	m := newTestManager()
	s := &session.Session{}
	file := filepath.Join(t.TempDir(), "lib-1.0.jar")

	check := artifactCheck(file, models.UpdateDaily)
	check.LocalLastUpdated = time.Now()
	m.CheckArtifact(s, check)

	if check.Required {
		t.Error("recently installed artifact should not require an update check")
	}
}

func TestManager_SessionStateBypass(t *testing.T) {
	m := newTestManager()
	dir := t.TempDir()
	file := filepath.Join(dir, "lib-1.0.jar")
	if err := os.WriteFile(file, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &session.Session{
		Config: map[string]any{session.KeySessionState: "bypass"},
	}

	check := artifactCheck(file, models.UpdateAlways)
	m.CheckArtifact(s, check)
	if !check.Required {
		t.Fatal("expected required under policy always")
	}
	m.TouchArtifact(s, check)

	again := artifactCheck(file, models.UpdateAlways)
	m.CheckArtifact(s, again)
	if !again.Required {
		t.Error("bypass mode must not serve the memoized answer")
	}
}

func TestManager_ConcurrentFirstChecks(t *testing.T) {
	m := newTestManager()
	s := &session.Session{}
	dir := t.TempDir()
	file := filepath.Join(dir, "lib-1.0.jar")

	var wg sync.WaitGroup
	checks := make([]*services.UpdateCheck, 2)
	for i := range checks {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			check := artifactCheck(file, models.UpdateDaily)
			m.CheckArtifact(s, check)
			checks[n] = check
		}(i)
	}
	wg.Wait()

	for i, check := range checks {
		if !check.Required {
			t.Errorf("racing first check %d should be required", i)
		}
	}

	if err := os.WriteFile(file, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, check := range checks {
		m.TouchArtifact(s, check)
	}

	if _, err := os.Stat(file + ".lastUpdated"); !os.IsNotExist(err) {
		t.Error("touch file should be gone after successful touches")
	}

	after := artifactCheck(file, models.UpdateAlways)
	m.CheckArtifact(s, after)
	if after.Required {
		t.Error("memo should answer later checks in the session")
	}
}

func metadataCheck(file string, policy string) *services.UpdateCheck {
	return &services.UpdateCheck{
		Metadata: models.Metadata{
			GroupID: "org.example", ArtifactID: "lib", Version: "1.0",
			Type: "maven-metadata.xml", Nature: models.ReleaseOrSnapshot,
		},
		File:       file,
		FileValid:  true,
		Repository: testRemote(),
		Policy:     policy,
	}
}

func TestManager_MetadataFreshnessFromRecord(t *testing.T) {
	m := newTestManager()
	s := &session.Session{}
	dir := t.TempDir()
	file := filepath.Join(dir, "maven-metadata-test.xml")
	if err := os.WriteFile(file, []byte("<metadata/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	// the shared sibling record, not the file mtime, carries freshness
	store := trackfile.NewStore(zerolog.Nop())
	stale := strconv.FormatInt(time.Now().Add(-48*time.Hour).UnixMilli(), 10)
	store.Update(filepath.Join(dir, "resolver-status.properties"), map[string]*string{
		"maven-metadata-test.xml.lastUpdated": &stale,
	})

	check := metadataCheck(file, models.UpdateDaily)
	m.CheckMetadata(s, check)

	if !check.Required {
		t.Error("stale record should demand an update even though the file is fresh")
	}
}

func TestManager_MetadataTouchAndMemo(t *testing.T) {
	m := newTestManager()
	s := &session.Session{}
	dir := t.TempDir()
	file := filepath.Join(dir, "maven-metadata-test.xml")

	check := metadataCheck(file, models.UpdateDaily)
	m.CheckMetadata(s, check)
	if !check.Required {
		t.Fatal("first metadata check should be required")
	}

	if err := os.WriteFile(file, []byte("<metadata/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.TouchMetadata(s, check)

	if _, err := os.Stat(filepath.Join(dir, "resolver-status.properties")); err != nil {
		t.Error("metadata touch file should persist after a successful fetch")
	}

	again := metadataCheck(file, models.UpdateAlways)
	m.CheckMetadata(s, again)
	if again.Required {
		t.Error("metadata memo should answer later checks in the session")
	}
}
