// Package connector provides the default repository connectors and the
// provider selecting between them.
package connector

import (
	"errors"
	"sort"
	"strings"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

// Provider selects a connector for a remote from the registered
// factories, trying them in descending priority order.
type Provider struct {
	factories []services.ConnectorFactory
}

// NewProvider creates a Provider over the given factories.
func NewProvider(factories ...services.ConnectorFactory) *Provider {
	sorted := make([]services.ConnectorFactory, len(factories))
	copy(sorted, factories)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Provider{factories: sorted}
}

// NewConnector returns the first factory's connector that accepts the
// remote, or a NoConnectorError when none does.
func (p *Provider) NewConnector(s *session.Session, r *models.RemoteRepository) (services.RepositoryConnector, error) {
	var noConn *services.NoConnectorError
	for _, factory := range p.factories {
		connector, err := factory.NewConnector(s, r)
		if err == nil {
			return connector, nil
		}
		if !errors.As(err, &noConn) {
			return nil, err
		}
	}
	return nil, &services.NoConnectorError{Repository: r}
}

// repositoryPath lays out an artifact inside a remote repository:
// g/r/o/u/p/artifactId/baseVersion/artifactId-version[-classifier].ext.
func repositoryPath(a models.Artifact) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(a.GroupID, ".", "/"))
	b.WriteByte('/')
	b.WriteString(a.ArtifactID)
	b.WriteByte('/')
	b.WriteString(a.BaseVersion())
	b.WriteByte('/')
	b.WriteString(a.ArtifactID)
	b.WriteByte('-')
	b.WriteString(a.Version)
	if a.Classifier != "" {
		b.WriteByte('-')
		b.WriteString(a.Classifier)
	}
	if a.Extension != "" {
		b.WriteByte('.')
		b.WriteString(a.Extension)
	}
	return b.String()
}

// metadataRepositoryPath lays out metadata inside a remote repository at
// the scope its coordinates address.
func metadataRepositoryPath(m models.Metadata) string {
	var b strings.Builder
	if m.GroupID != "" {
		b.WriteString(strings.ReplaceAll(m.GroupID, ".", "/"))
		b.WriteByte('/')
		if m.ArtifactID != "" {
			b.WriteString(m.ArtifactID)
			b.WriteByte('/')
			if m.Version != "" {
				b.WriteString(m.Version)
				b.WriteByte('/')
			}
		}
	}
	b.WriteString(m.Type)
	return b.String()
}
