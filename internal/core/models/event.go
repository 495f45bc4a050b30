package models

// EventType enumerates the lifecycle points reported to listeners.
type EventType int

const (
	ArtifactResolving EventType = iota
	ArtifactResolved
	ArtifactDownloading
	ArtifactDownloaded
	MetadataResolving
	MetadataResolved
	MetadataDownloading
	MetadataDownloaded
	ArtifactInstalling
	ArtifactInstalled
	MetadataInstalling
	MetadataInstalled
	ArtifactDeploying
	ArtifactDeployed
	MetadataDeploying
	MetadataDeployed
)

var eventNames = map[EventType]string{
	ArtifactResolving:   "artifact-resolving",
	ArtifactResolved:    "artifact-resolved",
	ArtifactDownloading: "artifact-downloading",
	ArtifactDownloaded:  "artifact-downloaded",
	MetadataResolving:   "metadata-resolving",
	MetadataResolved:    "metadata-resolved",
	MetadataDownloading: "metadata-downloading",
	MetadataDownloaded:  "metadata-downloaded",
	ArtifactInstalling:  "artifact-installing",
	ArtifactInstalled:   "artifact-installed",
	MetadataInstalling:  "metadata-installing",
	MetadataInstalled:   "metadata-installed",
	ArtifactDeploying:   "artifact-deploying",
	ArtifactDeployed:    "artifact-deployed",
	MetadataDeploying:   "metadata-deploying",
	MetadataDeployed:    "metadata-deployed",
}

func (t EventType) String() string { return eventNames[t] }

// Event describes one lifecycle occurrence for an artifact or metadata.
// Exactly one of Artifact and Metadata is meaningful per event type.
type Event struct {
	Type       EventType
	Artifact   *Artifact
	Metadata   *Metadata
	Repository Repository
	File       string
	Errors     []error
}

// FirstError returns the first attached error, if any.
func (e Event) FirstError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0]
}
