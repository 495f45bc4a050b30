package models

import (
	"regexp"
	"strings"
)

// SnapshotSuffix marks an unexpanded snapshot version.
const SnapshotSuffix = "-SNAPSHOT"

// snapshotTimestamp matches the expanded form of a snapshot version,
// e.g. "1.0-20240101.010101-1".
var snapshotTimestamp = regexp.MustCompile(`^(.*)-([0-9]{8}\.[0-9]{6}-[0-9]+)$`)

// Artifact identifies a versioned binary file by coordinates. The zero
// Classifier and an Extension of "" are valid; File is empty until the
// artifact has been resolved to a local path.
type Artifact struct {
	GroupID    string
	ArtifactID string
	Version    string
	Classifier string
	Extension  string
	File       string
	Properties map[string]string
}

// PropLocalPath marks an artifact as externally hosted: its value is the
// path of the file to use verbatim, bypassing repositories entirely.
const PropLocalPath = "localPath"

// Property returns the named property or def when absent.
func (a Artifact) Property(key, def string) string {
	if v, ok := a.Properties[key]; ok {
		return v
	}
	return def
}

// BaseVersion returns the unexpanded form of the version: for a
// timestamped snapshot like "1.0-20240101.010101-1" it is "1.0-SNAPSHOT",
// otherwise the version itself.
func (a Artifact) BaseVersion() string {
	if m := snapshotTimestamp.FindStringSubmatch(a.Version); m != nil {
		return m[1] + SnapshotSuffix
	}
	return a.Version
}

// IsSnapshot reports whether the artifact's base version is a snapshot.
func (a Artifact) IsSnapshot() bool {
	return strings.HasSuffix(a.BaseVersion(), SnapshotSuffix)
}

// WithVersion returns a copy of the artifact with the version replaced.
func (a Artifact) WithVersion(version string) Artifact {
	a.Version = version
	return a
}

// WithFile returns a copy of the artifact bound to a local file.
func (a Artifact) WithFile(path string) Artifact {
	a.File = path
	return a
}

func (a Artifact) String() string {
	var b strings.Builder
	b.WriteString(a.GroupID)
	b.WriteByte(':')
	b.WriteString(a.ArtifactID)
	b.WriteByte(':')
	b.WriteString(a.Extension)
	if a.Classifier != "" {
		b.WriteByte(':')
		b.WriteString(a.Classifier)
	}
	b.WriteByte(':')
	b.WriteString(a.Version)
	return b.String()
}

// Nature restricts which kind of versions a metadata entry applies to.
type Nature int

const (
	Release Nature = iota
	Snapshot
	ReleaseOrSnapshot
)

func (n Nature) String() string {
	switch n {
	case Release:
		return "release"
	case Snapshot:
		return "snapshot"
	default:
		return "release/snapshot"
	}
}

// Metadata identifies versioning or index information at group, artifact
// or version scope; empty coordinate fields address broader scopes.
type Metadata struct {
	GroupID    string
	ArtifactID string
	Version    string
	Type       string
	Nature     Nature
	File       string
}

// WithFile returns a copy of the metadata bound to a local file.
func (m Metadata) WithFile(path string) Metadata {
	m.File = path
	return m
}

func (m Metadata) String() string {
	return m.GroupID + ":" + m.ArtifactID + ":" + m.Version + "/" + m.Type
}
