package session

import (
	"strconv"
	"strings"
)

// Configuration properties consumed from the session.
const (
	// KeySnapshotNormalization enables keeping a base-version-named copy
	// of timestamped snapshot files. Default true.
	KeySnapshotNormalization = "depot.artifactResolver.snapshotNormalization"

	// KeyOfflineProtocols lists protocols (csv) whose repositories remain
	// resolvable while the session is offline.
	KeyOfflineProtocols = "depot.offline.protocols"

	// KeyOfflineHosts lists hosts (csv) whose repositories remain
	// resolvable while the session is offline.
	KeyOfflineHosts = "depot.offline.hosts"

	// KeySessionState set to "bypass" disables the in-session update
	// check memo. Default "enabled".
	KeySessionState = "depot.updateCheckManager.sessionState"

	// KeyArtifactThreads bounds the transfers a connector runs in parallel
	// within one batch; artifact resolution groups run one after another.
	// KeyMetadataThreads bounds the metadata resolution groups downloaded
	// in parallel.
	KeyArtifactThreads = "depot.artifactResolver.threads"
	KeyMetadataThreads = "depot.metadataResolver.threads"
)

// GetString returns the configured string for key, or def.
func (s *Session) GetString(key, def string) string {
	if v, ok := s.Config[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// GetBool returns the configured boolean for key, or def. String values
// are parsed leniently; unparsable values fall back to def.
func (s *Session) GetBool(key string, def bool) bool {
	v, ok := s.Config[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// GetInt returns the configured integer for key, or def.
func (s *Session) GetInt(key string, def int) int {
	v, ok := s.Config[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// GetList splits a csv-valued property into trimmed non-empty entries.
func (s *Session) GetList(key string) []string {
	raw := s.GetString(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
