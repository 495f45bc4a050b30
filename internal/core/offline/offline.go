// Package offline gates access to remote repositories when the session
// runs in offline mode.
package offline

import (
	"net/url"
	"strings"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

// Controller refuses remotes while offline unless the remote's protocol
// or host is exempted by session configuration.
type Controller struct{}

// NewController creates a Controller.
func NewController() *Controller {
	return &Controller{}
}

// CheckOffline returns a RepositoryOfflineError when the session is
// offline and the remote matches neither the exempted protocols nor the
// exempted hosts.
func (c *Controller) CheckOffline(s *session.Session, r *models.RemoteRepository) error {
	if !s.Offline {
		return nil
	}
	if c.offlineProtocol(s, r) || c.offlineHost(s, r) {
		return nil
	}
	return &services.RepositoryOfflineError{Repository: r}
}

func (c *Controller) offlineProtocol(s *session.Session, r *models.RemoteRepository) bool {
	scheme := protocol(r.URL)
	if scheme == "" {
		return false
	}
	for _, entry := range s.GetList(session.KeyOfflineProtocols) {
		if strings.EqualFold(entry, scheme) {
			return true
		}
	}
	return false
}

func (c *Controller) offlineHost(s *session.Session, r *models.RemoteRepository) bool {
	host := hostOf(r.URL)
	if host == "" {
		return false
	}
	for _, entry := range s.GetList(session.KeyOfflineHosts) {
		if strings.EqualFold(entry, host) || strings.EqualFold(entry, r.ID) {
			return true
		}
	}
	return false
}

func protocol(raw string) string {
	if i := strings.Index(raw, "://"); i > 0 {
		return raw[:i]
	}
	return ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
