package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/adapters/fileproc"
	"github.com/foundry/depot/internal/adapters/localrepo"
	"github.com/foundry/depot/internal/adapters/synclock"
	"github.com/foundry/depot/internal/adapters/trackfile"
	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/offline"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/core/update"
	"github.com/foundry/depot/internal/session"
)

// recordingDispatcher captures dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []models.Event
}

func (d *recordingDispatcher) Dispatch(_ *session.Session, ev models.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) typesFor(artifactID string) []models.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	var types []models.EventType
	for _, ev := range d.events {
		if ev.Artifact != nil && ev.Artifact.ArtifactID == artifactID {
			types = append(types, ev.Type)
		}
	}
	return types
}

// stubVersionResolver answers from a function, defaulting to identity.
type stubVersionResolver struct {
	fn func(req services.VersionRequest) (services.VersionResult, error)
}

func (r *stubVersionResolver) ResolveVersion(_ *session.Session, req services.VersionRequest) (services.VersionResult, error) {
	if r.fn != nil {
		return r.fn(req)
	}
	return services.VersionResult{Version: req.Artifact.Version}, nil
}

// stubConnector serves downloads from in-memory content maps keyed by
// artifact id and metadata type; missing entries yield not-found.
type stubConnector struct {
	mu           sync.Mutex
	contents     map[string]string
	metaContents map[string]string
	getCalls     int
	batches      [][]*services.ArtifactDownload
	repo         *models.RemoteRepository
}

func (c *stubConnector) Get(artifacts []*services.ArtifactDownload, metadata []*services.MetadataDownload) {
	c.mu.Lock()
	c.getCalls++
	c.batches = append(c.batches, artifacts)
	c.mu.Unlock()

	for _, download := range metadata {
		content, ok := c.metaContents[download.Metadata.Type]
		if !ok {
			download.Err = &services.MetadataNotFoundError{Metadata: download.Metadata, Repository: c.repo}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(download.File), 0o755); err != nil {
			download.Err = &services.MetadataTransferError{Metadata: download.Metadata, Cause: err}
			continue
		}
		if err := os.WriteFile(download.File, []byte(content), 0o644); err != nil {
			download.Err = &services.MetadataTransferError{Metadata: download.Metadata, Cause: err}
		}
	}

	for _, download := range artifacts {
		content, ok := c.contents[download.Artifact.ArtifactID]
		if !ok {
			download.Err = &services.ArtifactNotFoundError{Artifact: download.Artifact, Repository: c.repo}
			continue
		}
		if download.ExistenceCheck {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(download.File), 0o755); err != nil {
			download.Err = &services.ArtifactTransferError{Artifact: download.Artifact, Cause: err}
			continue
		}
		if err := os.WriteFile(download.File, []byte(content), 0o644); err != nil {
			download.Err = &services.ArtifactTransferError{Artifact: download.Artifact, Cause: err}
		}
	}
}

func (c *stubConnector) Put([]*services.ArtifactUpload, []*services.MetadataUpload) {}

func (c *stubConnector) Close() error { return nil }

type stubProvider struct {
	connector *stubConnector
}

func (p *stubProvider) NewConnector(_ *session.Session, r *models.RemoteRepository) (services.RepositoryConnector, error) {
	p.connector.repo = r
	return p.connector, nil
}

// countingProcessor counts copies on top of the real file processor.
type countingProcessor struct {
	services.FileProcessor
	mu     sync.Mutex
	copies int
}

func (p *countingProcessor) Copy(src, dst string, progress func(int64)) (int64, error) {
	p.mu.Lock()
	p.copies++
	p.mu.Unlock()
	return p.FileProcessor.Copy(src, dst, progress)
}

type testEnv struct {
	resolver   *ArtifactResolver
	session    *session.Session
	dispatcher *recordingDispatcher
	connector  *stubConnector
	processor  *countingProcessor
	versions   *stubVersionResolver
	basedir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	basedir := t.TempDir()
	store := trackfile.NewStore(zerolog.Nop())
	analyzer := update.NewPolicyAnalyzer(zerolog.Nop())
	manager := update.NewManager(analyzer, store, zerolog.Nop())
	dispatcher := &recordingDispatcher{}
	connector := &stubConnector{contents: map[string]string{}, metaContents: map[string]string{}}
	processor := &countingProcessor{FileProcessor: fileproc.NewProcessor()}
	versions := &stubVersionResolver{}

	r := NewArtifactResolver(
		processor,
		dispatcher,
		versions,
		manager,
		&stubProvider{connector: connector},
		synclock.NewFactory(zerolog.Nop()),
		offline.NewController(),
		zerolog.Nop(),
	)

	s := &session.Session{
		LocalRepositoryManager: localrepo.NewTrackedManager(basedir, store, zerolog.Nop()),
		ErrorPolicy:            session.CacheNotFound,
	}

	return &testEnv{
		resolver: r, session: s, dispatcher: dispatcher,
		connector: connector, processor: processor, versions: versions,
		basedir: basedir,
	}
}

func testRemote() *models.RemoteRepository {
	return &models.RemoteRepository{
		ID:             "r1",
		ContentType:    "default",
		URL:            "http://repo.example/r1",
		ReleasePolicy:  models.DefaultPolicy(),
		SnapshotPolicy: models.DefaultPolicy(),
	}
}

func libArtifact(id, version string) models.Artifact {
	return models.Artifact{GroupID: "org.example", ArtifactID: id, Version: version, Extension: "jar"}
}

func TestResolver_FreshDownload(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["lib"] = "content-1"
	remote := testRemote()

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{
		Artifact:     libArtifact("lib", "1.0"),
		Repositories: []*models.RemoteRepository{remote},
		Context:      "project",
	}})
	if err != nil {
		t.Fatalf("ResolveArtifacts: %v", err)
	}

	result := results[0]
	if result.Artifact.File == "" {
		t.Fatal("expected resolved file")
	}
	data, err := os.ReadFile(result.Artifact.File)
	if err != nil || string(data) != "content-1" {
		t.Errorf("file content = %q, %v", data, err)
	}
	if env.connector.getCalls != 1 {
		t.Errorf("connector calls = %d, want 1", env.connector.getCalls)
	}
	if result.Repository != models.Repository(remote) {
		t.Errorf("result repository = %v, want remote", result.Repository)
	}

	want := []models.EventType{
		models.ArtifactResolving, models.ArtifactDownloading,
		models.ArtifactDownloaded, models.ArtifactResolved,
	}
	got := env.dispatcher.typesFor("lib")
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	// the registration makes the artifact available for the same remote
	local := env.session.LocalRepositoryManager.Find(env.session, models.LocalArtifactRequest{
		Artifact:     libArtifact("lib", "1.0"),
		Repositories: []*models.RemoteRepository{remote},
		Context:      "project",
	})
	if !local.Available {
		t.Error("downloaded artifact should be registered for its remote")
	}
}

func TestResolver_SecondResolveSkipsNetwork(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["lib"] = "content-1"
	remote := testRemote()

	req := func() *ArtifactRequest {
		return &ArtifactRequest{
			Artifact:     libArtifact("lib", "1.0"),
			Repositories: []*models.RemoteRepository{remote},
			Context:      "project",
		}
	}

	if _, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{req()}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{req()}); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if env.connector.getCalls != 1 {
		t.Errorf("connector calls = %d, want 1 (second resolve should be local)", env.connector.getCalls)
	}
}

func TestResolver_CachedNotFound(t *testing.T) {
	env := newTestEnv(t)
	remote := testRemote()
	remote.ReleasePolicy.UpdatePolicy = models.UpdateNever

	artifact := libArtifact("lib", "1.0")
	lrm := env.session.LocalRepositoryManager
	target := filepath.Join(env.basedir, lrm.PathForRemoteArtifact(artifact, remote, "project"))

	store := trackfile.NewStore(zerolog.Nop())
	empty := ""
	stamp := strconv.FormatInt(time.Now().Add(-24*time.Hour).UnixMilli(), 10)
	store.Update(target+".lastUpdated", map[string]*string{
		"http://repo.example/r1/.error":       &empty,
		"http://repo.example/r1/.lastUpdated": &stamp,
	})

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{
		Artifact:     artifact,
		Repositories: []*models.RemoteRepository{remote},
		Context:      "project",
	}})
	if err == nil {
		t.Fatal("expected batch resolution error")
	}
	var batch *ArtifactResolutionError
	if !errors.As(err, &batch) {
		t.Fatalf("expected ArtifactResolutionError, got %T", err)
	}

	if env.connector.getCalls != 0 {
		t.Errorf("connector calls = %d, want 0 (cached not-found)", env.connector.getCalls)
	}

	result := results[0]
	foundNotFound := false
	for _, resultErr := range result.Exceptions {
		if errors.Is(resultErr, services.ErrNotFound) {
			foundNotFound = true
		}
	}
	if !foundNotFound {
		t.Errorf("expected cached not-found exception, got %v", result.Exceptions)
	}

	types := env.dispatcher.typesFor("lib")
	if len(types) == 0 || types[len(types)-1] != models.ArtifactResolved {
		t.Errorf("final event = %v, want artifact-resolved", types)
	}
}

func TestResolver_SnapshotNormalization(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["lib"] = "1234567"
	remote := testRemote()

	artifact := libArtifact("lib", "1.0-20240101.000000-1")
	req := func() *ArtifactRequest {
		return &ArtifactRequest{
			Artifact:     artifact,
			Repositories: []*models.RemoteRepository{remote},
			Context:      "project",
		}
	}

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{req()})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	base := results[0].Artifact.File
	if filepath.Base(base) != "lib-1.0-SNAPSHOT.jar" {
		t.Fatalf("resolved file = %q, want base-named sibling", base)
	}
	timestamped := filepath.Join(filepath.Dir(base), "lib-1.0-20240101.000000-1.jar")

	baseInfo, err := os.Stat(base)
	if err != nil {
		t.Fatalf("stat base: %v", err)
	}
	tsInfo, err := os.Stat(timestamped)
	if err != nil {
		t.Fatalf("stat timestamped: %v", err)
	}
	if baseInfo.Size() != 7 || baseInfo.Size() != tsInfo.Size() {
		t.Errorf("sizes differ: base %d, timestamped %d", baseInfo.Size(), tsInfo.Size())
	}
	if !baseInfo.ModTime().Equal(tsInfo.ModTime()) {
		t.Errorf("mtimes differ: base %v, timestamped %v", baseInfo.ModTime(), tsInfo.ModTime())
	}

	copies := env.processor.copies
	if _, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{req()}); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if env.processor.copies != copies {
		t.Error("second resolve should not copy, length and mtime already match")
	}
}

func TestResolver_OneConnectorCallPerGroup(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["lib1"] = "a"
	env.connector.contents["lib2"] = "b"
	remote := testRemote()

	_, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{
		{Artifact: libArtifact("lib1", "1.0"), Repositories: []*models.RemoteRepository{remote}, Context: "project"},
		{Artifact: libArtifact("lib2", "1.0"), Repositories: []*models.RemoteRepository{remote}, Context: "project"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if env.connector.getCalls != 1 {
		t.Fatalf("connector calls = %d, want 1", env.connector.getCalls)
	}
	if len(env.connector.batches[0]) != 2 {
		t.Errorf("downloads in batch = %d, want 2", len(env.connector.batches[0]))
	}
}

func TestResolver_EquivalentRemotesShareGroup(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["lib1"] = "a"
	env.connector.contents["lib2"] = "b"
	first := testRemote()
	second := testRemote()
	second.ID = "r1-mirror"

	_, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{
		{Artifact: libArtifact("lib1", "1.0"), Repositories: []*models.RemoteRepository{first}, Context: "project"},
		{Artifact: libArtifact("lib2", "1.0"), Repositories: []*models.RemoteRepository{second}, Context: "project"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if env.connector.getCalls != 1 {
		t.Errorf("connector calls = %d, want 1 (same url, type and manager flag)", env.connector.getCalls)
	}
}

func TestResolver_LocalInstallFallback(t *testing.T) {
	env := newTestEnv(t)
	lrm := env.session.LocalRepositoryManager
	artifact := libArtifact("lib", "1.0")

	// an install registers under the empty context only
	path := filepath.Join(env.basedir, lrm.PathForLocalArtifact(artifact))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("installed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := lrm.Add(env.session, models.LocalArtifactRegistration{Artifact: artifact}); err != nil {
		t.Fatal(err)
	}

	before := lrm.Find(env.session, models.LocalArtifactRequest{Artifact: artifact, Context: "project"})
	if before.Available || before.File == "" {
		t.Fatalf("precondition: want file without availability, got %+v", before)
	}

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{
		Artifact: artifact,
		Context:  "project",
	}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if results[0].Artifact.File == "" {
		t.Fatal("locally installed artifact should resolve without remotes")
	}

	after := lrm.Find(env.session, models.LocalArtifactRequest{Artifact: artifact, Context: "project"})
	if !after.Available {
		t.Error("resolution should sync the index for the request context")
	}
}

func TestResolver_UnhostedArtifact(t *testing.T) {
	env := newTestEnv(t)
	file := filepath.Join(t.TempDir(), "external.jar")
	if err := os.WriteFile(file, []byte("external"), 0o644); err != nil {
		t.Fatal(err)
	}

	artifact := libArtifact("lib", "1.0")
	artifact.Properties = map[string]string{models.PropLocalPath: file}

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{Artifact: artifact}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if results[0].Artifact.File != file {
		t.Errorf("resolved file = %q, want %q", results[0].Artifact.File, file)
	}

	missing := libArtifact("gone", "1.0")
	missing.Properties = map[string]string{models.PropLocalPath: filepath.Join(t.TempDir(), "absent.jar")}
	_, err = env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{Artifact: missing}})
	if err == nil {
		t.Error("missing unhosted file should fail the batch")
	}
}

func TestResolver_OfflineRefusesRemote(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["lib"] = "content"
	env.session.Offline = true

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{
		Artifact:     libArtifact("lib", "1.0"),
		Repositories: []*models.RemoteRepository{testRemote()},
		Context:      "project",
	}})
	if err == nil {
		t.Fatal("offline session with cold cache should fail")
	}
	if env.connector.getCalls != 0 {
		t.Errorf("connector calls = %d, want 0", env.connector.getCalls)
	}
	if len(results[0].Exceptions) == 0 {
		t.Fatal("expected an exception on the result")
	}
	if !errors.Is(results[0].Exceptions[0], services.ErrNotFound) {
		t.Errorf("expected not-found wrapping the offline refusal, got %v", results[0].Exceptions[0])
	}
}

func TestResolver_VersionResolutionFailureIsPerRequest(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["good"] = "ok"
	remote := testRemote()

	env.versions.fn = func(req services.VersionRequest) (services.VersionResult, error) {
		if req.Artifact.ArtifactID == "bad" {
			return services.VersionResult{}, errors.New("no such version")
		}
		return services.VersionResult{Version: req.Artifact.Version}, nil
	}

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{
		{Artifact: libArtifact("bad", "[1.0,)"), Repositories: []*models.RemoteRepository{remote}, Context: "project"},
		{Artifact: libArtifact("good", "1.0"), Repositories: []*models.RemoteRepository{remote}, Context: "project"},
	})
	if err == nil {
		t.Fatal("expected batch error for the failed request")
	}

	var verr *services.VersionResolutionError
	if len(results[0].Exceptions) == 0 || !errors.As(results[0].Exceptions[0], &verr) {
		t.Errorf("expected version resolution error, got %v", results[0].Exceptions)
	}
	if results[1].Artifact.File == "" {
		t.Error("other requests in the batch should still resolve")
	}
}

func TestResolver_VersionBoundToLocalRepository(t *testing.T) {
	env := newTestEnv(t)
	artifact := libArtifact("lib", "1.0")
	lrm := env.session.LocalRepositoryManager

	path := filepath.Join(env.basedir, lrm.PathForLocalArtifact(artifact))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("installed"), 0o644); err != nil {
		t.Fatal(err)
	}

	env.versions.fn = func(req services.VersionRequest) (services.VersionResult, error) {
		return services.VersionResult{Version: req.Artifact.Version, Repository: lrm.Repository()}, nil
	}

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{
		Artifact:     artifact,
		Repositories: []*models.RemoteRepository{testRemote()},
		Context:      "project",
	}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if results[0].Artifact.File == "" {
		t.Fatal("version bound to local repository should resolve from disk")
	}
	if env.connector.getCalls != 0 {
		t.Errorf("connector calls = %d, want 0", env.connector.getCalls)
	}
}

func TestResolver_WorkspaceWins(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["lib"] = "remote-content"
	file := filepath.Join(t.TempDir(), "workspace.jar")
	if err := os.WriteFile(file, []byte("workspace"), 0o644); err != nil {
		t.Fatal(err)
	}
	env.session.WorkspaceReader = &stubWorkspace{artifactFile: file}

	results, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{
		Artifact:     libArtifact("lib", "1.0"),
		Repositories: []*models.RemoteRepository{testRemote()},
		Context:      "project",
	}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if results[0].Artifact.File != file {
		t.Errorf("resolved file = %q, want workspace file", results[0].Artifact.File)
	}
	if env.connector.getCalls != 0 {
		t.Errorf("connector calls = %d, want 0", env.connector.getCalls)
	}
}

type stubWorkspace struct {
	artifactFile string
}

func (w *stubWorkspace) Repository() *models.WorkspaceRepository {
	return &models.WorkspaceRepository{Name: "workspace"}
}

func (w *stubWorkspace) FindArtifact(models.Artifact) string { return w.artifactFile }

func (w *stubWorkspace) FindVersions(models.Artifact) []string { return nil }

func TestResolver_DisabledPolicySkipsRemote(t *testing.T) {
	env := newTestEnv(t)
	env.connector.contents["lib"] = "snapshot-content"
	remote := testRemote()
	remote.SnapshotPolicy.Enabled = false

	_, err := env.resolver.ResolveArtifacts(env.session, []*ArtifactRequest{{
		Artifact:     libArtifact("lib", "1.0-SNAPSHOT"),
		Repositories: []*models.RemoteRepository{remote},
		Context:      "project",
	}})
	if err == nil {
		t.Fatal("snapshot against a release-only remote should fail")
	}
	if env.connector.getCalls != 0 {
		t.Errorf("connector calls = %d, want 0", env.connector.getCalls)
	}
}
