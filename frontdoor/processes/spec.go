package processes

import (
	"os"
	"strconv"
	"strings"
)

// RestartPolicy decides what the Supervisor does when a child exits without being asked to.
type RestartPolicy string

const (
	// RestartAlways restarts the child with exponential backoff.
	RestartAlways RestartPolicy = "always"
	// RestartNever logs the exit and leaves the child stopped.
	RestartNever RestartPolicy = "never"
	// RestartFailFast shuts the whole supervisor down and exits with the child's code.
	RestartFailFast RestartPolicy = "fail-fast"
)

// Valid reports whether p is one of the known policies.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartAlways, RestartNever, RestartFailFast:
		return true
	}
	return false
}

// CommandSpec describes one command invocation.
type CommandSpec struct {
	Command string            // Executable name or path.
	Args    []string          // Arguments passed to the executable.
	Dir     string            // Working directory; must exist.
	Env     map[string]string // Overrides merged on top of the parent environment.
}

// StandaloneSpec is an alternative command used when a pre-built entry point exists on disk.
type StandaloneSpec struct {
	Entry string // File whose presence selects this variant.
	CommandSpec
}

// ChildSpec defines the desired state of one subordinate process.
// It includes everything needed to launch it, wait for it and route traffic to it.
type ChildSpec struct {
	Name string
	CommandSpec

	Port      int    // TCP port the child listens on. 0 means allocate one from the PortManager.
	Host      string // Host the child binds to.
	PortEnv   string // Environment key that receives the port, e.g. BACKEND_PORT.
	HostEnv   string // Environment key that receives the host, e.g. BACKEND_HOST.
	ReadyPath string // HTTP path polled for readiness. Empty means a plain TCP connect.

	Build      *CommandSpec    // Optional step run to completion before the main command.
	Standalone *StandaloneSpec // Optional pre-built variant that replaces Build + main command.

	Restart RestartPolicy
}

// Resolve picks the command that will actually run. When the standalone entry exists the
// standalone command is returned and the build step is skipped.
func (s ChildSpec) Resolve() (main CommandSpec, build *CommandSpec, standalone bool) {
	if s.Standalone != nil && s.Standalone.Entry != "" {
		if info, err := os.Stat(s.Standalone.Entry); err == nil && !info.IsDir() {
			cmd := s.Standalone.CommandSpec
			if cmd.Dir == "" {
				cmd.Dir = s.Dir
			}
			cmd.Env = mergeEnvMaps(s.Env, cmd.Env)
			return cmd, nil, true
		}
	}
	return s.CommandSpec, s.Build, false
}

// launchEnv returns the environment overrides for cmd with the child's port and host keys set.
// ${PORT} and ${HOST} in override values expand to the child's port and host.
func (s ChildSpec) launchEnv(cmd CommandSpec, port int) map[string]string {
	extra := map[string]string{}
	if s.PortEnv != "" && port > 0 {
		extra[s.PortEnv] = strconv.Itoa(port)
	}
	if s.HostEnv != "" && s.Host != "" {
		extra[s.HostEnv] = s.Host
	}
	env := mergeEnvMaps(cmd.Env, extra)
	for k, v := range env {
		env[k] = expandChildVars(v, port, s.Host)
	}
	return env
}

// expandChildVars replaces the exact tokens ${PORT} and ${HOST}; every other $ is kept as is.
func expandChildVars(v string, port int, host string) string {
	if !strings.Contains(v, "${") {
		return v
	}
	return strings.NewReplacer("${PORT}", strconv.Itoa(port), "${HOST}", host).Replace(v)
}

func mergeEnvMaps(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
