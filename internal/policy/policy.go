// Package policy loads and validates the gateway policy document: users and
// their roles, bypass patterns, relay filters and generator settings.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Resinat/gostgen/internal/logging"
	"github.com/Resinat/gostgen/internal/relay"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalid marks a policy document that failed to parse or validate.
	ErrInvalid = errors.New("policy invalid")
	// ErrNotFound is returned when no policy source is available.
	ErrNotFound = errors.New("policy not found")
)

// Default values of optional policy fields.
const (
	DefaultMaxServersPerCity = 10
	DefaultGostLogLevel      = "warn"
	DefaultLogLevel          = "Information"
)

// GostLogLevels are the levels the gost log section accepts.
var GostLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// Document is the gateway policy. Keys are PascalCase in YAML and JSON.
type Document struct {
	LogLevel               string            `yaml:"LogLevel" json:"LogLevel"`
	UpdateServersOnStartup bool              `yaml:"UpdateServersOnStartup" json:"UpdateServersOnStartup"`
	MaxServersPerCity      int               `yaml:"MaxServersPerCity" json:"MaxServersPerCity"`
	CityRandomPools        bool              `yaml:"CityRandomPools" json:"CityRandomPools"`
	GostMetricsEnabled     bool              `yaml:"GostMetricsEnabled" json:"GostMetricsEnabled"`
	GostLogLevel           string            `yaml:"GostLogLevel" json:"GostLogLevel"`
	Users                  map[string]User   `yaml:"Users" json:"Users"`
	Bypasses               []string          `yaml:"Bypasses" json:"Bypasses"`
	ProxyFilter            relay.FilterRules `yaml:"ProxyFilter" json:"ProxyFilter"`
}

// User holds one user's credentials and role flags.
type User struct {
	Password               string `yaml:"Password" json:"Password"`
	HasMullvadProxyAccess  bool   `yaml:"HasMullvadProxyAccess" json:"HasMullvadProxyAccess"`
	HasInternalProxyAccess bool   `yaml:"HasInternalProxyAccess" json:"HasInternalProxyAccess"`
	HasMetricsAccess       bool   `yaml:"HasMetricsAccess" json:"HasMetricsAccess"`
}

// Role selects one of the user role flags.
type Role int

const (
	RoleMullvadProxy Role = iota
	RoleInternalProxy
	RoleMetrics
)

// Has reports whether the user holds role.
func (u User) Has(role Role) bool {
	switch role {
	case RoleMullvadProxy:
		return u.HasMullvadProxyAccess
	case RoleInternalProxy:
		return u.HasInternalProxyAccess
	case RoleMetrics:
		return u.HasMetricsAccess
	}
	return false
}

// UnmarshalYAML applies user defaults before decoding, so an omitted
// HasMullvadProxyAccess stays true.
func (u *User) UnmarshalYAML(value *yaml.Node) error {
	type plain User
	tmp := plain(NewUser(""))
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*u = User(tmp)
	return nil
}

// NewUser returns a user with default role flags.
func NewUser(password string) User {
	return User{Password: password, HasMullvadProxyAccess: true}
}

// Default returns a document with every optional field at its default.
func Default() *Document {
	return &Document{
		LogLevel:          DefaultLogLevel,
		MaxServersPerCity: DefaultMaxServersPerCity,
		CityRandomPools:   true,
		GostLogLevel:      DefaultGostLogLevel,
		Users:             map[string]User{},
	}
}

// Usernames returns the user names in sorted order.
func (d *Document) Usernames() []string {
	names := make([]string, 0, len(d.Users))
	for name := range d.Users {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate reports every problem of the document at once.
func (d *Document) Validate() error {
	var errs []string

	for i, b := range d.Bypasses {
		if strings.TrimSpace(b) == "" {
			errs = append(errs, fmt.Sprintf("Bypasses[%d]: must not be empty or whitespace", i))
		}
	}
	if len(d.Users) == 0 {
		errs = append(errs, "Users: at least 1 user has to be defined")
	}
	for _, name := range d.Usernames() {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "Users: every user requires a username")
		}
		if d.Users[name].Password == "" {
			errs = append(errs, fmt.Sprintf("Users[%s]: password is required", name))
		}
	}
	if d.MaxServersPerCity < 1 {
		errs = append(errs, fmt.Sprintf("MaxServersPerCity: must be at least 1, got %d", d.MaxServersPerCity))
	}
	if !slices.Contains(GostLogLevels, d.GostLogLevel) {
		errs = append(errs, fmt.Sprintf("GostLogLevel: invalid value %q (allowed: %s)", d.GostLogLevel, strings.Join(GostLogLevels, ", ")))
	}
	if _, err := logging.ParseLevel(d.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("LogLevel: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  %s", ErrInvalid, strings.Join(errs, "\n  "))
	}
	return nil
}
