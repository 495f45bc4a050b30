package offline

import (
	"errors"
	"testing"

	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
)

func remote(id, url string) *models.RemoteRepository {
	return &models.RemoteRepository{ID: id, ContentType: "default", URL: url}
}

func TestController_OnlineSessionAllowsEverything(t *testing.T) {
	c := NewController()
	s := &session.Session{Offline: false}

	if err := c.CheckOffline(s, remote("central", "https://repo.example/maven2")); err != nil {
		t.Errorf("online session refused remote: %v", err)
	}
}

func TestController_OfflineSessionRefuses(t *testing.T) {
	c := NewController()
	s := &session.Session{Offline: true}

	err := c.CheckOffline(s, remote("central", "https://repo.example/maven2"))
	if err == nil {
		t.Fatal("offline session should refuse the remote")
	}
	if !errors.Is(err, services.ErrOffline) {
		t.Errorf("expected ErrOffline, got %v", err)
	}
}

func TestController_ProtocolExemption(t *testing.T) {
	c := NewController()
	s := &session.Session{
		Offline: true,
		Config:  map[string]any{session.KeyOfflineProtocols: "file, classpath"},
	}

	if err := c.CheckOffline(s, remote("local-mirror", "file:///var/repo")); err != nil {
		t.Errorf("exempted protocol refused: %v", err)
	}
	if err := c.CheckOffline(s, remote("central", "https://repo.example/maven2")); err == nil {
		t.Error("non-exempted protocol should still be refused")
	}
}

func TestController_HostExemption(t *testing.T) {
	c := NewController()
	s := &session.Session{
		Offline: true,
		Config:  map[string]any{session.KeyOfflineHosts: "intranet.example"},
	}

	if err := c.CheckOffline(s, remote("internal", "https://intranet.example/repo")); err != nil {
		t.Errorf("exempted host refused: %v", err)
	}
	if err := c.CheckOffline(s, remote("central", "https://repo.example/maven2")); err == nil {
		t.Error("non-exempted host should still be refused")
	}
}

func TestController_HostExemptionMatchesID(t *testing.T) {
	c := NewController()
	s := &session.Session{
		Offline: true,
		Config:  map[string]any{session.KeyOfflineHosts: "internal"},
	}

	if err := c.CheckOffline(s, remote("internal", "https://somewhere.example/repo")); err != nil {
		t.Errorf("remote exempted by id refused: %v", err)
	}
}
