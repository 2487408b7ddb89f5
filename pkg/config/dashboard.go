package config

import "fmt"

// DefaultDashboardListen is the default dashboard listen address.
const DefaultDashboardListen = ":8080"

// DashboardConfig contains dashboard server settings.
type DashboardConfig struct {
	Listen      string              `yaml:"listen"`
	CORSOrigins []string            `yaml:"cors_origins,omitempty"`
	StaticDir   string              `yaml:"static_dir,omitempty"`
	Auth        DashboardAuthConfig `yaml:"auth,omitempty"`
}

// DashboardAuthConfig configures basic auth for the dashboard.
type DashboardAuthConfig struct {
	Enabled bool            `yaml:"enabled"`
	Users   []DashboardUser `yaml:"users,omitempty"`
}

// DashboardUser defines a basic auth user. PasswordHash is a bcrypt hash;
// plaintext passwords are never stored in config.
type DashboardUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

func (c *DashboardConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultDashboardListen
	}
}

// Validate checks the dashboard configuration for errors.
func (c *DashboardConfig) Validate() error {
	if c.Auth.Enabled && len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth is enabled but no users are configured")
	}

	for i, u := range c.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("auth user %d: username is required", i)
		}

		if u.PasswordHash == "" {
			return fmt.Errorf("auth user %q: password_hash is required", u.Username)
		}
	}

	return nil
}
