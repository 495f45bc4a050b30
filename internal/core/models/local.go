package models

// LocalArtifactRequest asks the local repository manager whether an
// artifact is present, and whether it is known to have come from one of
// the given remotes in the given request context.
type LocalArtifactRequest struct {
	Artifact     Artifact
	Repositories []*RemoteRepository
	Context      string
}

// LocalArtifactResult is the local repository manager's answer. File may
// be set with Available false when the file exists but was contributed by
// a different remote or context than the ones queried.
type LocalArtifactResult struct {
	Request    LocalArtifactRequest
	File       string
	Available  bool
	Repository *RemoteRepository
}

// LocalArtifactRegistration records that an artifact file has been placed
// in the local repository. A nil Repository marks a local install.
type LocalArtifactRegistration struct {
	Artifact   Artifact
	Repository *RemoteRepository
	Contexts   []string
}

// LocalMetadataRequest asks for locally cached metadata.
type LocalMetadataRequest struct {
	Metadata   Metadata
	Repository *RemoteRepository
	Context    string
}

// LocalMetadataResult carries the path of locally cached metadata, empty
// when absent. Stale reports that the cached copy should be refreshed.
type LocalMetadataResult struct {
	Request LocalMetadataRequest
	File    string
	Stale   bool
}

// LocalMetadataRegistration records placed metadata.
type LocalMetadataRegistration struct {
	Metadata   Metadata
	Repository *RemoteRepository
	Contexts   []string
}
