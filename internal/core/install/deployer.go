package install

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

// DeployRequest names the artifacts and metadata to publish to a remote.
type DeployRequest struct {
	Artifacts  []models.Artifact
	Metadata   []models.Metadata
	Repository *models.RemoteRepository
}

// DeployResult lists what was deployed.
type DeployResult struct {
	Artifacts []models.Artifact
	Metadata  []models.Metadata
}

// Deployer publishes to a remote repository through the connector, under
// an exclusive sync context spanning the whole request.
type Deployer struct {
	dispatcher  services.EventDispatcher
	connectors  services.ConnectorProvider
	syncFactory services.SyncContextFactory
	offline     services.OfflineController
	logger      zerolog.Logger
}

// NewDeployer wires a Deployer.
func NewDeployer(
	dispatcher services.EventDispatcher,
	connectors services.ConnectorProvider,
	syncFactory services.SyncContextFactory,
	offline services.OfflineController,
	logger zerolog.Logger,
) *Deployer {
	return &Deployer{
		dispatcher:  dispatcher,
		connectors:  connectors,
		syncFactory: syncFactory,
		offline:     offline,
		logger:      logger,
	}
}

// Deploy validates the request and uploads everything in a single
// connector call. Completion events fire for every item, carrying the
// per-item error when the upload failed.
func (d *Deployer) Deploy(s *session.Session, req DeployRequest) (*DeployResult, error) {
	if req.Repository == nil {
		return nil, &services.DeploymentError{Reason: "no target repository specified"}
	}
	if err := d.offline.CheckOffline(s, req.Repository); err != nil {
		return nil, &services.DeploymentError{Reason: "session is offline", Cause: err}
	}

	syncCtx := d.syncFactory.New(s, false)
	defer syncCtx.Close()
	if err := syncCtx.Acquire(req.Artifacts, req.Metadata); err != nil {
		return nil, &services.DeploymentError{Reason: "acquiring locks", Cause: err}
	}

	artifactUploads := make([]*services.ArtifactUpload, 0, len(req.Artifacts))
	for _, artifact := range req.Artifacts {
		if err := validateSource(artifact.File, fmt.Sprintf("artifact %s", artifact)); err != nil {
			return nil, err
		}
		d.dispatcher.Dispatch(s, models.Event{
			Type: models.ArtifactDeploying, Artifact: &artifact, Repository: req.Repository, File: artifact.File,
		})
		artifactUploads = append(artifactUploads, &services.ArtifactUpload{Artifact: artifact, File: artifact.File})
	}

	metadataUploads := make([]*services.MetadataUpload, 0, len(req.Metadata))
	for _, metadata := range req.Metadata {
		if err := validateSource(metadata.File, fmt.Sprintf("metadata %s", metadata)); err != nil {
			return nil, err
		}
		d.dispatcher.Dispatch(s, models.Event{
			Type: models.MetadataDeploying, Metadata: &metadata, Repository: req.Repository, File: metadata.File,
		})
		metadataUploads = append(metadataUploads, &services.MetadataUpload{Metadata: metadata, File: metadata.File})
	}

	connector, err := d.connectors.NewConnector(s, req.Repository)
	if err != nil {
		return nil, &services.DeploymentError{Reason: "obtaining connector", Cause: err}
	}
	connector.Put(artifactUploads, metadataUploads)
	connector.Close()

	result := &DeployResult{}
	var firstErr error

	for _, upload := range artifactUploads {
		ev := models.Event{
			Type: models.ArtifactDeployed, Artifact: &upload.Artifact, Repository: req.Repository, File: upload.File,
		}
		if upload.Err != nil {
			ev.Errors = []error{upload.Err}
			if firstErr == nil {
				firstErr = upload.Err
			}
		} else {
			result.Artifacts = append(result.Artifacts, upload.Artifact)
		}
		d.dispatcher.Dispatch(s, ev)
	}
	for _, upload := range metadataUploads {
		ev := models.Event{
			Type: models.MetadataDeployed, Metadata: &upload.Metadata, Repository: req.Repository, File: upload.File,
		}
		if upload.Err != nil {
			ev.Errors = []error{upload.Err}
			if firstErr == nil {
				firstErr = upload.Err
			}
		} else {
			result.Metadata = append(result.Metadata, upload.Metadata)
		}
		d.dispatcher.Dispatch(s, ev)
	}

	if firstErr != nil {
		return nil, &services.DeploymentError{Reason: "uploading to " + req.Repository.ID, Cause: firstErr}
	}
	return result, nil
}

func validateSource(path, what string) error {
	if path == "" {
		return &services.DeploymentError{Reason: what + " has no file attached"}
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return &services.DeploymentError{Reason: what + " source is not an existing file", Cause: err}
	}
	return nil
}
