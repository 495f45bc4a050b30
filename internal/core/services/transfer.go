package services

import "github.com/foundry/depot/internal/core/models"

// ArtifactDownload describes one artifact transfer for a connector.
type ArtifactDownload struct {
	Artifact models.Artifact

	// File is the local destination; with ExistenceCheck set the
	// connector only verifies the artifact exists remotely and must not
	// overwrite the file.
	File           string
	ExistenceCheck bool

	ChecksumPolicy string
	Context        string

	// Repositories lists the remotes mirrored by the repository this
	// download is grouped under.
	Repositories []*models.RemoteRepository

	// SupportedContexts are the request contexts the placed file may be
	// registered for; defaults to the download's own context.
	SupportedContexts []string

	Err error
}

// MetadataDownload describes one metadata transfer for a connector.
type MetadataDownload struct {
	Metadata models.Metadata

	File           string
	ChecksumPolicy string
	Context        string

	Err error
}

// ArtifactUpload describes publishing one artifact to a remote.
type ArtifactUpload struct {
	Artifact models.Artifact
	File     string
	Err      error
}

// MetadataUpload describes publishing one metadata file to a remote.
type MetadataUpload struct {
	Metadata models.Metadata
	File     string
	Err      error
}
