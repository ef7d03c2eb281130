// Package gost models the parts of the gost v3 configuration file that
// gostgen manages, and provides loading, saving and keyed access to it.
// Every entry keeps the keys it does not model in Extra, so settings such
// as listener TLS or handler metadata survive a rewrite.
package gost

// Document is the root of a gost configuration file.
type Document struct {
	Log      *LogConfig     `yaml:"log,omitempty"`
	Metrics  *MetricsConfig `yaml:"metrics,omitempty"`
	Authers  []*Auther      `yaml:"authers,omitempty"`
	Bypasses []*Bypass      `yaml:"bypasses,omitempty"`
	Services []*Service     `yaml:"services,omitempty"`
	Chains   []*Chain       `yaml:"chains,omitempty"`

	// Extra keeps top-level sections gostgen does not manage (hops,
	// resolvers, api, ...) so they survive a rewrite.
	Extra map[string]any `yaml:",inline"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	Output string `yaml:"output,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type MetricsConfig struct {
	Addr   string `yaml:"addr,omitempty"`
	Path   string `yaml:"path,omitempty"`
	Auther string `yaml:"auther,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Auther struct {
	Name  string      `yaml:"name"`
	Auths []*AuthUser `yaml:"auths,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// AuthUser is one credential of an auther. File points to an external
// credential list and is cleared when gostgen manages the user.
type AuthUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
	File     string `yaml:"file,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Bypass struct {
	Name      string   `yaml:"name"`
	Whitelist bool     `yaml:"whitelist,omitempty"`
	Matchers  []string `yaml:"matchers,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Service struct {
	Name      string         `yaml:"name"`
	Addr      string         `yaml:"addr"`
	Interface string         `yaml:"interface,omitempty"`
	Handler   *Handler       `yaml:"handler,omitempty"`
	Listener  *Listener      `yaml:"listener,omitempty"`
	Metadata  map[string]any `yaml:"metadata,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Handler struct {
	Type   string `yaml:"type"`
	Auther string `yaml:"auther,omitempty"`
	Chain  string `yaml:"chain,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Listener struct {
	Type string `yaml:"type"`

	Extra map[string]any `yaml:",inline"`
}

type Chain struct {
	Name string `yaml:"name"`
	Hops []*Hop `yaml:"hops,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Hop struct {
	Name     string    `yaml:"name"`
	Selector *Selector `yaml:"selector,omitempty"`
	Nodes    []*Node   `yaml:"nodes,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// Selector controls node selection inside a pool hop.
type Selector struct {
	Strategy    string `yaml:"strategy"`
	MaxFails    int    `yaml:"maxFails"`
	FailTimeout string `yaml:"failTimeout"`

	Extra map[string]any `yaml:",inline"`
}

type Node struct {
	Name      string     `yaml:"name"`
	Addr      string     `yaml:"addr"`
	Bypass    string     `yaml:"bypass,omitempty"`
	Connector *Connector `yaml:"connector,omitempty"`
	Dialer    *Dialer    `yaml:"dialer,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type Connector struct {
	Type string `yaml:"type"`

	Extra map[string]any `yaml:",inline"`
}

type Dialer struct {
	Type string `yaml:"type"`

	Extra map[string]any `yaml:",inline"`
}
