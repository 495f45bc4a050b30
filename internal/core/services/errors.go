package services

import (
	"errors"
	"fmt"

	"github.com/foundry/depot/internal/core/models"
)

// Sentinel categories. Typed errors below report membership through Is,
// so callers can branch with errors.Is without naming concrete types.
var (
	// ErrNotFound indicates a confirmed or cached absence.
	ErrNotFound = errors.New("not found")
	// ErrTransfer indicates a failed transport.
	ErrTransfer = errors.New("transfer failed")
	// ErrOffline indicates a remote refused in offline mode.
	ErrOffline = errors.New("repository offline")
)

func repoLabel(r *models.RemoteRepository) string {
	if r == nil {
		return "<none>"
	}
	return r.ID + " (" + r.URL + ")"
}

// ArtifactNotFoundError reports that an artifact does not exist in a
// repository, either confirmed remotely or served from the error cache.
type ArtifactNotFoundError struct {
	Artifact   models.Artifact
	Repository *models.RemoteRepository
	Reason     string
	Cause      error
}

func (e *ArtifactNotFoundError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("artifact %s not found in %s", e.Artifact, repoLabel(e.Repository))
}

func (e *ArtifactNotFoundError) Unwrap() error { return e.Cause }

func (e *ArtifactNotFoundError) Is(target error) bool { return target == ErrNotFound }

// ArtifactTransferError reports that transferring an artifact failed.
type ArtifactTransferError struct {
	Artifact   models.Artifact
	Repository *models.RemoteRepository
	Reason     string
	Cause      error
}

func (e *ArtifactTransferError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	msg := fmt.Sprintf("could not transfer artifact %s from %s", e.Artifact, repoLabel(e.Repository))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ArtifactTransferError) Unwrap() error { return e.Cause }

func (e *ArtifactTransferError) Is(target error) bool { return target == ErrTransfer }

// MetadataNotFoundError reports absent metadata.
type MetadataNotFoundError struct {
	Metadata   models.Metadata
	Repository *models.RemoteRepository
	Reason     string
	Cause      error
}

func (e *MetadataNotFoundError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("metadata %s not found in %s", e.Metadata, repoLabel(e.Repository))
}

func (e *MetadataNotFoundError) Unwrap() error { return e.Cause }

func (e *MetadataNotFoundError) Is(target error) bool { return target == ErrNotFound }

// MetadataTransferError reports a failed metadata transfer.
type MetadataTransferError struct {
	Metadata   models.Metadata
	Repository *models.RemoteRepository
	Reason     string
	Cause      error
}

func (e *MetadataTransferError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	msg := fmt.Sprintf("could not transfer metadata %s from %s", e.Metadata, repoLabel(e.Repository))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MetadataTransferError) Unwrap() error { return e.Cause }

func (e *MetadataTransferError) Is(target error) bool { return target == ErrTransfer }

// RepositoryOfflineError reports a remote refused because the session is
// offline and the remote is not exempted.
type RepositoryOfflineError struct {
	Repository *models.RemoteRepository
}

func (e *RepositoryOfflineError) Error() string {
	return fmt.Sprintf("cannot access %s in offline mode", repoLabel(e.Repository))
}

func (e *RepositoryOfflineError) Is(target error) bool { return target == ErrOffline }

// NoConnectorError reports that no connector factory accepted a remote.
type NoConnectorError struct {
	Repository *models.RemoteRepository
}

func (e *NoConnectorError) Error() string {
	return fmt.Sprintf("no connector available for %s", repoLabel(e.Repository))
}

// VersionResolutionError reports a failed symbolic-to-concrete version
// resolution; it fails one request without aborting its batch.
type VersionResolutionError struct {
	Artifact models.Artifact
	Cause    error
}

func (e *VersionResolutionError) Error() string {
	return fmt.Sprintf("could not resolve version for %s: %v", e.Artifact, e.Cause)
}

func (e *VersionResolutionError) Unwrap() error { return e.Cause }

// InstallationError wraps a failure to install into the local repository.
type InstallationError struct {
	Reason string
	Cause  error
}

func (e *InstallationError) Error() string {
	if e.Cause != nil {
		return "installation failed: " + e.Reason + ": " + e.Cause.Error()
	}
	return "installation failed: " + e.Reason
}

func (e *InstallationError) Unwrap() error { return e.Cause }

// DeploymentError wraps a failure to deploy to a remote repository.
type DeploymentError struct {
	Reason string
	Cause  error
}

func (e *DeploymentError) Error() string {
	if e.Cause != nil {
		return "deployment failed: " + e.Reason + ": " + e.Cause.Error()
	}
	return "deployment failed: " + e.Reason
}

func (e *DeploymentError) Unwrap() error { return e.Cause }
