package synclock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/adapters/localrepo"
	"github.com/foundry/depot/internal/adapters/trackfile"
	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/session"
)

func testSession(t *testing.T) (*session.Session, string) {
	t.Helper()
	dir := t.TempDir()
	store := trackfile.NewStore(zerolog.Nop())
	return &session.Session{
		LocalRepositoryManager: localrepo.NewTrackedManager(dir, store, zerolog.Nop()),
	}, dir
}

func artifact(version string) models.Artifact {
	return models.Artifact{GroupID: "org.example", ArtifactID: "lib", Version: version, Extension: "jar"}
}

func TestFactory_AcquireCreatesLockFiles(t *testing.T) {
	s, dir := testSession(t)
	factory := NewFactory(zerolog.Nop())

	ctx := factory.New(s, false)
	defer ctx.Close()

	if err := ctx.Acquire([]models.Artifact{artifact("1.0")}, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, ".locks"))
	if err != nil {
		t.Fatalf("reading lock dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 lock file, got %d", len(entries))
	}
}

func TestContext_ReacquireIsNoop(t *testing.T) {
	s, _ := testSession(t)
	factory := NewFactory(zerolog.Nop())

	ctx := factory.New(s, false)
	defer ctx.Close()

	if err := ctx.Acquire([]models.Artifact{artifact("1.0")}, nil); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	// same fingerprint again must not deadlock
	if err := ctx.Acquire([]models.Artifact{artifact("1.0")}, nil); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
}

func TestContext_SharedReaders(t *testing.T) {
	s, _ := testSession(t)
	factory := NewFactory(zerolog.Nop())

	first := factory.New(s, true)
	defer first.Close()
	second := factory.New(s, true)
	defer second.Close()

	if err := first.Acquire([]models.Artifact{artifact("1.0")}, nil); err != nil {
		t.Fatalf("first shared Acquire: %v", err)
	}
	// a second shared context acquires the same fingerprint concurrently
	if err := second.Acquire([]models.Artifact{artifact("1.0")}, nil); err != nil {
		t.Fatalf("second shared Acquire: %v", err)
	}
}

func TestContext_ExclusiveAfterRelease(t *testing.T) {
	s, _ := testSession(t)
	factory := NewFactory(zerolog.Nop())

	first := factory.New(s, false)
	if err := first.Acquire([]models.Artifact{artifact("1.0")}, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first.Close()

	second := factory.New(s, false)
	defer second.Close()
	if err := second.Acquire([]models.Artifact{artifact("1.0")}, nil); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestFingerprint_IgnoresCase(t *testing.T) {
	a := fingerprint("artifact", "Org.Example", "Lib", "1.0-SNAPSHOT")
	b := fingerprint("artifact", "org.example", "lib", "1.0-snapshot")
	if a != b {
		t.Error("fingerprints should be case-insensitive")
	}
}

func TestFingerprint_SnapshotFormsRendezvous(t *testing.T) {
	timestamped := artifact("1.0-20240101.010101-1")
	base := artifact("1.0-SNAPSHOT")
	if artifactFingerprint(timestamped) != artifactFingerprint(base) {
		t.Error("timestamped and base snapshot versions should share a lock")
	}
}

func TestMetadataFingerprint_DistinctFromArtifact(t *testing.T) {
	a := artifactFingerprint(artifact("1.0"))
	m := metadataFingerprint(models.Metadata{
		GroupID: "org.example", ArtifactID: "lib", Version: "1.0", Type: "maven-metadata.xml",
	})
	if a == m {
		t.Error("artifact and metadata fingerprints should not collide")
	}
}
