package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pcbuilderai/frontdoor/frontdoor/processes"
	"github.com/pcbuilderai/frontdoor/frontdoor/proxy"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the front door configuration
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	StaticDir string         `yaml:"static_dir"`
	Children  []ChildConfig  `yaml:"children"`
	Routes    []RouteConfig  `yaml:"routes"`
	Fallback  FallbackConfig `yaml:"fallback"`
	Timeouts  TimeoutConfig  `yaml:"timeouts"`
	Logging   LoggingConfig  `yaml:"logging"`
	Audit     AuditConfig    `yaml:"audit"`
	Admin     AdminConfig    `yaml:"admin"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CommandConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

type StandaloneConfig struct {
	CommandConfig `yaml:",inline"`

	Entry string `yaml:"entry"`
}

type ChildConfig struct {
	CommandConfig `yaml:",inline"`

	Name       string            `yaml:"name"`
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	PortEnv    string            `yaml:"port_env"`
	HostEnv    string            `yaml:"host_env"`
	ReadyPath  string            `yaml:"ready_path"`
	Restart    string            `yaml:"restart"`
	Build      *CommandConfig    `yaml:"build"`
	Standalone *StandaloneConfig `yaml:"standalone"`
}

type RouteConfig struct {
	Prefix      string `yaml:"prefix"`
	Child       string `yaml:"child"`  // Route to a supervised child's host and port.
	Target      string `yaml:"target"` // Or to an absolute URL.
	Kind        string `yaml:"kind"`
	StripPrefix bool   `yaml:"strip_prefix"`
}

type FallbackConfig struct {
	Title          string `yaml:"title"`
	RefreshSeconds int    `yaml:"refresh_seconds"`
}

type TimeoutConfig struct {
	Upstream              time.Duration `yaml:"upstream"`
	Readiness             time.Duration `yaml:"readiness"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
	ChildGrace            time.Duration `yaml:"child_grace"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	RestartBackoffInitial time.Duration `yaml:"restart_backoff_initial"`
	RestartBackoffMax     time.Duration `yaml:"restart_backoff_max"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type AuditConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretKey string `yaml:"secret_key_file"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration of the stock deployment rooted at root: a Python backend
// in root/backend on 8001, a Next.js frontend in root/frontend on 3001, and the front door on
// 0.0.0.0:3000.
func Default(root string) *Config {
	backendDir := filepath.Join(root, "backend")
	frontendDir := filepath.Join(root, "frontend")
	buildDir := filepath.Join(frontendDir, "build")
	standaloneDir := filepath.Join(buildDir, "standalone")

	return &Config{
		Listen:    ListenConfig{Host: "0.0.0.0", Port: 3000},
		StaticDir: buildDir,
		Children: []ChildConfig{
			{
				Name:          "backend",
				CommandConfig: CommandConfig{
					Command: "python",
					Args:    []string{"server.py"},
					Dir:     backendDir,
					Env:     map[string]string{"PYTHONPATH": backendDir},
				},
				Host:      "0.0.0.0",
				Port:      8001,
				PortEnv:   "BACKEND_PORT",
				HostEnv:   "BACKEND_HOST",
				ReadyPath: "/api/health",
				Restart:   string(processes.RestartAlways),
			},
			{
				Name:          "frontend",
				CommandConfig: CommandConfig{
					Command: "yarn",
					Args:    []string{"start"},
					Dir:     frontendDir,
				},
				Host:    "0.0.0.0",
				Port:    3001,
				PortEnv: "PORT",
				HostEnv: "HOST",
				Restart: string(processes.RestartAlways),
				Build: &CommandConfig{
					Command: "yarn",
					Args:    []string{"build"},
					Dir:     frontendDir,
					Env:     map[string]string{"NODE_ENV": "production"},
				},
				Standalone: &StandaloneConfig{
					Entry:         filepath.Join(standaloneDir, "server.js"),
					CommandConfig: CommandConfig{
						Command: "node",
						Args:    []string{"server.js"},
						Dir:     standaloneDir,
						Env:     map[string]string{"HOSTNAME": "${HOST}"},
					},
				},
			},
		},
		Routes: []RouteConfig{
			{Prefix: "/api", Child: "backend", Kind: string(proxy.KindAPI)},
			{Prefix: "/", Child: "frontend", Kind: string(proxy.KindUI)},
		},
		Fallback: FallbackConfig{Title: "PC Builder AI", RefreshSeconds: 5},
		Timeouts: TimeoutConfig{
			Upstream:              30 * time.Second,
			Readiness:             60 * time.Second,
			ShutdownGrace:         10 * time.Second,
			ChildGrace:            10 * time.Second,
			HealthCheckInterval:   15 * time.Second,
			RestartBackoffInitial: time.Second,
			RestartBackoffMax:     30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Audit:   AuditConfig{Enabled: true, Path: filepath.Join(root, "frontdoor-audit.db"), Retention: 30 * 24 * time.Hour},
		Admin:   AdminConfig{Enabled: true, SecretKey: filepath.Join(root, "frontdoor-jwt.key")},
		Metrics: MetricsConfig{Enabled: true, Namespace: "frontdoor"},
	}
}

// Load returns the defaults for root, overlaid with the YAML file at path (if path is not
// empty) and then with environment variables, and validates the result.
func Load(path, root string) (*Config, error) {
	cfg := Default(root)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the listen address and the backend/frontend ports and hosts from
// PORT, HOST, BACKEND_PORT, BACKEND_HOST, FRONTEND_PORT and FRONTEND_HOST.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("HOST"); v != "" {
		c.Listen.Host = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT=%q is not a number", ErrInvalid, v)
		}
		c.Listen.Port = port
	}
	for _, o := range []struct{ child, prefix string }{
		{"backend", "BACKEND"},
		{"frontend", "FRONTEND"},
	} {
		child := c.Child(o.child)
		if child == nil {
			continue
		}
		if v := getenv(o.prefix + "_HOST"); v != "" {
			child.Host = v
		}
		if v := getenv(o.prefix + "_PORT"); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s_PORT=%q is not a number", ErrInvalid, o.prefix, v)
			}
			child.Port = port
		}
	}
	return nil
}

// Child returns the named child, or nil.
func (c *Config) Child(name string) *ChildConfig {
	for i := range c.Children {
		if c.Children[i].Name == name {
			return &c.Children[i]
		}
	}
	return nil
}

// ListenAddr returns host:port for the front door listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Listen.Host, strconv.Itoa(c.Listen.Port))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validPort("listen.port", c.Listen.Port, false); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Children))
	for i, child := range c.Children {
		field := fmt.Sprintf("children[%d]", i)
		if child.Name == "" {
			return fmt.Errorf("%w: %s.name is required", ErrInvalid, field)
		}
		if names[child.Name] {
			return fmt.Errorf("%w: duplicate child name %q", ErrInvalid, child.Name)
		}
		names[child.Name] = true
		if child.Command == "" {
			return fmt.Errorf("%w: %s.command is required", ErrInvalid, field)
		}
		if err := validPort(field+".port", child.Port, true); err != nil {
			return err
		}
		if child.Port != 0 && child.Port == c.Listen.Port {
			return fmt.Errorf("%w: child %s uses the listen port %d", ErrInvalid, child.Name, child.Port)
		}
		if child.Restart != "" && !processes.RestartPolicy(child.Restart).Valid() {
			return fmt.Errorf("%w: %s.restart must be always, never or fail-fast, got %q", ErrInvalid, field, child.Restart)
		}
		if child.Build != nil && child.Build.Command == "" {
			return fmt.Errorf("%w: %s.build.command is required", ErrInvalid, field)
		}
		if child.Standalone != nil && (child.Standalone.Entry == "" || child.Standalone.Command == "") {
			return fmt.Errorf("%w: %s.standalone needs entry and command", ErrInvalid, field)
		}
	}

	prefixes := make(map[string]bool, len(c.Routes))
	for i, route := range c.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if route.Prefix == "" {
			return fmt.Errorf("%w: %s.prefix is required", ErrInvalid, field)
		}
		if prefixes[route.Prefix] {
			return fmt.Errorf("%w: duplicate route prefix %q", ErrInvalid, route.Prefix)
		}
		prefixes[route.Prefix] = true
		switch {
		case route.Child != "" && route.Target != "":
			return fmt.Errorf("%w: %s sets both child and target", ErrInvalid, field)
		case route.Child != "":
			if !names[route.Child] {
				return fmt.Errorf("%w: %s refers to unknown child %q", ErrInvalid, field, route.Child)
			}
			if c.Child(route.Child).Port == 0 {
				return fmt.Errorf("%w: %s routes to child %q which has no fixed port", ErrInvalid, field, route.Child)
			}
		case route.Target != "":
			u, err := url.Parse(route.Target)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("%w: %s.target must be an absolute URL, got %q", ErrInvalid, field, route.Target)
			}
		default:
			return fmt.Errorf("%w: %s needs a child or a target", ErrInvalid, field)
		}
		switch proxy.RouteKind(route.Kind) {
		case "", proxy.KindAPI, proxy.KindUI:
		default:
			return fmt.Errorf("%w: %s.kind must be api or ui, got %q", ErrInvalid, field, route.Kind)
		}
	}

	if c.Fallback.RefreshSeconds < 0 {
		return fmt.Errorf("%w: fallback.refresh_seconds must not be negative", ErrInvalid)
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("%w: audit.path is required when audit is enabled", ErrInvalid)
	}
	if c.Admin.Enabled && c.Admin.SecretKey == "" {
		return fmt.Errorf("%w: admin.secret_key_file is required when admin is enabled", ErrInvalid)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func validPort(field string, port int, allowZero bool) error {
	if port == 0 && allowZero {
		return nil
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s must be between 1 and 65535, got %d", ErrInvalid, field, port)
	}
	return nil
}

// ChildSpecs converts the children to supervisor specs.
func (c *Config) ChildSpecs() []processes.ChildSpec {
	specs := make([]processes.ChildSpec, 0, len(c.Children))
	for _, child := range c.Children {
		spec := processes.ChildSpec{
			Name:        child.Name,
			CommandSpec: child.CommandConfig.spec(),
			Port:        child.Port,
			Host:        child.Host,
			PortEnv:     child.PortEnv,
			HostEnv:     child.HostEnv,
			ReadyPath:   child.ReadyPath,
			Restart:     processes.RestartPolicy(child.Restart),
		}
		if child.Build != nil {
			build := child.Build.spec()
			if build.Dir == "" {
				build.Dir = spec.Dir
			}
			spec.Build = &build
		}
		if child.Standalone != nil {
			spec.Standalone = &processes.StandaloneSpec{
				Entry:       child.Standalone.Entry,
				CommandSpec: child.Standalone.CommandConfig.spec(),
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

func (cc CommandConfig) spec() processes.CommandSpec {
	return processes.CommandSpec{
		Command: cc.Command,
		Args:    append([]string(nil), cc.Args...),
		Dir:     cc.Dir,
		Env:     cc.Env,
	}
}

// RouteTable builds the proxy route table. Child routes target the child's loopback address.
func (c *Config) RouteTable() (*proxy.RouteTable, error) {
	routes := make([]proxy.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		var target *url.URL
		if rc.Child != "" {
			child := c.Child(rc.Child)
			if child == nil {
				return nil, fmt.Errorf("%w: route %s refers to unknown child %q", ErrInvalid, rc.Prefix, rc.Child)
			}
			target = &url.URL{Scheme: "http", Host: net.JoinHostPort(dialHost(child.Host), strconv.Itoa(child.Port))}
		} else {
			u, err := url.Parse(rc.Target)
			if err != nil {
				return nil, fmt.Errorf("%w: route %s: %v", ErrInvalid, rc.Prefix, err)
			}
			target = u
		}
		routes = append(routes, proxy.Route{
			Prefix:      rc.Prefix,
			Target:      target,
			Kind:        proxy.RouteKind(rc.Kind),
			StripPrefix: rc.StripPrefix,
		})
	}
	return proxy.NewRouteTable(routes)
}

// dialHost maps wildcard bind addresses to loopback.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "localhost"
	}
	return host
}
