package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/foundry/depot/internal/core/models"
)

type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Local   LocalConfig    `yaml:"local"`
	Remotes []RemoteConfig `yaml:"remotes"`
	Offline bool           `yaml:"offline"`
	Auth    AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LocalConfig struct {
	Basedir string `yaml:"basedir"`
}

type RemoteConfig struct {
	ID        string       `yaml:"id"`
	URL       string       `yaml:"url"`
	Releases  PolicyConfig `yaml:"releases"`
	Snapshots PolicyConfig `yaml:"snapshots"`
	Username  string       `yaml:"username"`
	Password  string       `yaml:"password"`
}

type PolicyConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	UpdatePolicy   string `yaml:"updatePolicy"`
	ChecksumPolicy string `yaml:"checksumPolicy"`
}

type AuthConfig struct {
	Tokens []string `yaml:"tokens"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Local:  LocalConfig{Basedir: "./repository"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Local.Basedir == "" {
		return nil, fmt.Errorf("no local repository configured")
	}
	for i, remote := range cfg.Remotes {
		if remote.ID == "" || remote.URL == "" {
			return nil, fmt.Errorf("remote %d: id and url are required", i)
		}
	}

	return cfg, nil
}

// Repositories converts the configured remotes into model repositories.
func (c *Config) Repositories() []*models.RemoteRepository {
	remotes := make([]*models.RemoteRepository, 0, len(c.Remotes))
	for _, rc := range c.Remotes {
		remote := &models.RemoteRepository{
			ID:             rc.ID,
			ContentType:    "default",
			URL:            rc.URL,
			ReleasePolicy:  rc.Releases.policy(),
			SnapshotPolicy: rc.Snapshots.policy(),
		}
		if rc.Username != "" {
			remote.Auth = &models.Authentication{Username: rc.Username, Password: rc.Password}
		}
		remotes = append(remotes, remote)
	}
	return remotes
}

func (p PolicyConfig) policy() models.RepositoryPolicy {
	policy := models.DefaultPolicy()
	if p.Enabled != nil {
		policy.Enabled = *p.Enabled
	}
	if p.UpdatePolicy != "" {
		policy.UpdatePolicy = p.UpdatePolicy
	}
	if p.ChecksumPolicy != "" {
		policy.ChecksumPolicy = p.ChecksumPolicy
	}
	return policy
}
