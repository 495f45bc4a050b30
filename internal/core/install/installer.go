// Package install publishes artifacts and metadata into the local
// repository and deploys them to remotes.
package install

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

// InstallRequest names the artifacts and metadata to place into the
// local repository.
type InstallRequest struct {
	Artifacts []models.Artifact
	Metadata  []models.Metadata
}

// InstallResult lists what was installed, with files rebound to their
// local repository locations.
type InstallResult struct {
	Artifacts []models.Artifact
	Metadata  []models.Metadata
}

// Installer copies files into the local repository under an exclusive
// sync context spanning the whole request.
type Installer struct {
	fileProcessor services.FileProcessor
	dispatcher    services.EventDispatcher
	syncFactory   services.SyncContextFactory
	logger        zerolog.Logger
}

// NewInstaller wires an Installer.
func NewInstaller(
	fileProcessor services.FileProcessor,
	dispatcher services.EventDispatcher,
	syncFactory services.SyncContextFactory,
	logger zerolog.Logger,
) *Installer {
	return &Installer{
		fileProcessor: fileProcessor,
		dispatcher:    dispatcher,
		syncFactory:   syncFactory,
		logger:        logger,
	}
}

// Install validates and places every artifact and metadata of the
// request. The first failure aborts the request, after its paired
// completion event has fired with the error attached.
func (i *Installer) Install(s *session.Session, req InstallRequest) (*InstallResult, error) {
	syncCtx := i.syncFactory.New(s, false)
	defer syncCtx.Close()

	if err := syncCtx.Acquire(req.Artifacts, req.Metadata); err != nil {
		return nil, &services.InstallationError{Reason: "acquiring locks", Cause: err}
	}

	result := &InstallResult{}

	for _, artifact := range req.Artifacts {
		installed, err := i.installArtifact(s, artifact)
		if err != nil {
			return nil, err
		}
		result.Artifacts = append(result.Artifacts, installed)
	}

	for _, metadata := range req.Metadata {
		installed, err := i.installMetadata(s, metadata)
		if err != nil {
			return nil, err
		}
		result.Metadata = append(result.Metadata, installed)
	}

	return result, nil
}

func (i *Installer) installArtifact(s *session.Session, artifact models.Artifact) (models.Artifact, error) {
	lrm := s.LocalRepositoryManager
	dst := filepath.Join(lrm.Repository().Basedir, lrm.PathForLocalArtifact(artifact))

	i.dispatcher.Dispatch(s, models.Event{
		Type: models.ArtifactInstalling, Artifact: &artifact, Repository: lrm.Repository(), File: dst,
	})

	err := i.place(artifact.File, dst, fmt.Sprintf("artifact %s", artifact))
	if err == nil {
		installed := artifact.WithFile(dst)
		if addErr := lrm.Add(s, models.LocalArtifactRegistration{Artifact: installed}); addErr != nil {
			err = &services.InstallationError{
				Reason: fmt.Sprintf("registering artifact %s", artifact), Cause: addErr,
			}
		} else {
			artifact = installed
		}
	}

	ev := models.Event{
		Type: models.ArtifactInstalled, Artifact: &artifact, Repository: lrm.Repository(), File: dst,
	}
	if err != nil {
		ev.Errors = []error{err}
	}
	i.dispatcher.Dispatch(s, ev)

	return artifact, err
}

func (i *Installer) installMetadata(s *session.Session, metadata models.Metadata) (models.Metadata, error) {
	lrm := s.LocalRepositoryManager
	dst := filepath.Join(lrm.Repository().Basedir, lrm.PathForLocalMetadata(metadata))

	i.dispatcher.Dispatch(s, models.Event{
		Type: models.MetadataInstalling, Metadata: &metadata, Repository: lrm.Repository(), File: dst,
	})

	err := i.place(metadata.File, dst, fmt.Sprintf("metadata %s", metadata))
	if err == nil {
		installed := metadata.WithFile(dst)
		if addErr := lrm.AddMetadata(s, models.LocalMetadataRegistration{Metadata: installed}); addErr != nil {
			err = &services.InstallationError{
				Reason: fmt.Sprintf("registering metadata %s", metadata), Cause: addErr,
			}
		} else {
			metadata = installed
		}
	}

	ev := models.Event{
		Type: models.MetadataInstalled, Metadata: &metadata, Repository: lrm.Repository(), File: dst,
	}
	if err != nil {
		ev.Errors = []error{err}
	}
	i.dispatcher.Dispatch(s, ev)

	return metadata, err
}

// place copies src to dst preserving the source's modification time, and
// is a no-op when both name the same file.
func (i *Installer) place(src, dst, what string) error {
	if src == "" {
		return &services.InstallationError{Reason: what + " has no file attached"}
	}
	srcInfo, err := os.Stat(src)
	if err != nil || !srcInfo.Mode().IsRegular() {
		return &services.InstallationError{Reason: what + " source is not an existing file", Cause: err}
	}

	if sameFile(src, dst) {
		i.logger.Debug().Str("file", dst).Msg("skipping copy, source and destination are the same file")
		return nil
	}

	if _, err := i.fileProcessor.Copy(src, dst, nil); err != nil {
		return &services.InstallationError{Reason: "copying " + what, Cause: err}
	}
	if err := os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return &services.InstallationError{Reason: "timestamping " + what, Cause: err}
	}
	return nil
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
