// Package config loads the YAML configuration that describes which
// debuggee processes to attach to or launch, and the aggregator-wide
// options that govern them. Grounded on
// original_source/ddb/python/iddb/config.py.
package config

import (
	"fmt"
	"os"
	"os/user"

	"gopkg.in/yaml.v3"
)

// Framework selects the adapter used to discover or parse session
// components.
type Framework string

const (
	FrameworkNu          Framework = "Nu"
	FrameworkVanillaPID  Framework = "vanillapid"
	FrameworkUnspecified Framework = "unspecified"
)

// OnExit mirrors state/session's teardown policy, parsed from Conf.on_exit.
type OnExit string

const (
	OnExitDetach OnExit = "detach"
	OnExitKill   OnExit = "kill"
)

// NamedCmd is one {name, command} entry from PrerunGdbCommands/PostrunGdbCommands.
type NamedCmd struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// SSHDefaults holds the fallback SSH credentials used by remote
// components and by sessions started off discovery.
type SSHDefaults struct {
	User string
	Port int
}

// Broker is the discovery listener's bind address, enabled only when
// ServiceDiscovery.Broker is present in the file.
type Broker struct {
	Hostname string
	Port     int
}

// Conf holds the aggregator-wide defaults under the Conf key.
type Conf struct {
	Sudo   bool
	OnExit OnExit
}

// Component is one per-session entry from Components[].
type Component struct {
	Tag        string
	StartMode  string // "binary" (default) | "attach"
	Pid        int
	Bin        string
	Cwd        string
	Args       []string
	RunDelay   int
	Sudo       bool
	Mode       string // "local" (default) | "remote"
	RemotePort int
	Cred       Cred
}

// Cred is a component's remote SSH credential, under Components[].cred.
type Cred struct {
	Hostname string
	User     string
}

// Config is the fully parsed debugging session file.
type Config struct {
	Framework  Framework
	Broker     *Broker // nil when ServiceDiscovery is absent
	SSH        SSHDefaults
	Prerun     []NamedCmd
	Postrun    []NamedCmd
	Conf       Conf
	Components []Component
}

// rawComponentCred mirrors the YAML shape of Components[].cred.
type rawComponentCred struct {
	Hostname string `yaml:"hostname"`
	User     string `yaml:"user"`
}

type rawComponent struct {
	Tag        string           `yaml:"tag"`
	StartMode  string           `yaml:"startMode"`
	Pid        int              `yaml:"pid"`
	Bin        string           `yaml:"bin"`
	Cwd        string           `yaml:"cwd"`
	Args       []string         `yaml:"args"`
	RunDelay   int              `yaml:"run_delay"`
	Sudo       *bool            `yaml:"sudo"`
	Mode       string           `yaml:"mode"`
	RemotePort int              `yaml:"remote_port"`
	Cred       rawComponentCred `yaml:"cred"`
}

type rawBroker struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

type rawServiceDiscovery struct {
	Broker rawBroker `yaml:"Broker"`
}

type rawSSH struct {
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

type rawConf struct {
	Sudo   *bool  `yaml:"sudo"`
	OnExit string `yaml:"on_exit"`
}

// rawConfig is the direct YAML unmarshal target, kept separate from the
// parsed Config so framework dispatch can run before field defaults
// (getpass.getuser(), Conf.sudo fallthrough) are resolved.
type rawConfig struct {
	Framework          string               `yaml:"Framework"`
	ServiceDiscovery   *rawServiceDiscovery `yaml:"ServiceDiscovery"`
	SSH                *rawSSH              `yaml:"SSH"`
	PrerunGdbCommands  []NamedCmd           `yaml:"PrerunGdbCommands"`
	PostrunGdbCommands []NamedCmd           `yaml:"PostrunGdbCommands"`
	Conf               *rawConf             `yaml:"Conf"`
	Components         []rawComponent       `yaml:"Components"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return parse(&raw)
}

func parse(raw *rawConfig) (*Config, error) {
	cfg := &Config{Prerun: raw.PrerunGdbCommands, Postrun: raw.PostrunGdbCommands}

	if raw.ServiceDiscovery != nil {
		cfg.Broker = &Broker{
			Hostname: raw.ServiceDiscovery.Broker.Hostname,
			Port:     raw.ServiceDiscovery.Broker.Port,
		}
	}

	cfg.SSH = SSHDefaults{User: currentUser(), Port: 22}
	if raw.SSH != nil {
		if raw.SSH.User != "" {
			cfg.SSH.User = raw.SSH.User
		}
		if raw.SSH.Port != 0 {
			cfg.SSH.Port = raw.SSH.Port
		}
	}

	if raw.Conf != nil {
		if raw.Conf.Sudo != nil {
			cfg.Conf.Sudo = *raw.Conf.Sudo
		}
		switch raw.Conf.OnExit {
		case "", "detach":
			cfg.Conf.OnExit = OnExitDetach
		case "kill":
			cfg.Conf.OnExit = OnExitKill
		default:
			return nil, fmt.Errorf("config: unrecognized Conf.on_exit %q", raw.Conf.OnExit)
		}
	} else {
		cfg.Conf.OnExit = OnExitDetach
	}

	switch Framework(raw.Framework) {
	case "serviceweaver_kube":
		return nil, fmt.Errorf("config: Framework \"serviceweaver_kube\" is not supported (no Kubernetes client in this build)")
	case FrameworkNu, FrameworkVanillaPID, "":
		cfg.Framework = resolveFramework(raw.Framework)
		cfg.Components = parseComponents(raw.Components, cfg.Conf.Sudo)
	default:
		cfg.Framework = FrameworkUnspecified
		cfg.Components = parseComponents(raw.Components, cfg.Conf.Sudo)
	}

	return cfg, nil
}

func resolveFramework(name string) Framework {
	switch name {
	case string(FrameworkNu):
		return FrameworkNu
	case string(FrameworkVanillaPID):
		return FrameworkVanillaPID
	default:
		return FrameworkUnspecified
	}
}

func parseComponents(raws []rawComponent, defaultSudo bool) []Component {
	out := make([]Component, 0, len(raws))
	for _, rc := range raws {
		startMode := rc.StartMode
		if startMode == "" {
			startMode = "binary"
		}
		mode := rc.Mode
		if mode == "" {
			mode = "local"
		}
		sudo := defaultSudo
		if rc.Sudo != nil {
			sudo = *rc.Sudo
		}
		out = append(out, Component{
			Tag:        rc.Tag,
			StartMode:  startMode,
			Pid:        rc.Pid,
			Bin:        rc.Bin,
			Cwd:        rc.Cwd,
			Args:       rc.Args,
			RunDelay:   rc.RunDelay,
			Sudo:       sudo,
			Mode:       mode,
			RemotePort: rc.RemotePort,
			Cred:       Cred{Hostname: rc.Cred.Hostname, User: rc.Cred.User},
		})
	}
	return out
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
