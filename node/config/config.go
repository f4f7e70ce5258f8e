package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/andydunstall/flock/gossip"
	"github.com/andydunstall/flock/pkg/log"
)

type ClusterConfig struct {
	// Entrypoints are the seed addresses used to join an existing mesh.
	Entrypoints []string `json:"entrypoints" yaml:"entrypoints"`

	// DNSServer optionally specifies a DNS server to resolve entrypoint
	// domains, instead of the system resolver.
	DNSServer string `json:"dns_server" yaml:"dns_server"`

	// BootstrapTimeout is the budget for reaching the mesh before startup
	// fails.
	BootstrapTimeout time.Duration `json:"bootstrap_timeout" yaml:"bootstrap_timeout"`
}

func (c *ClusterConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(
		&c.Entrypoints,
		"cluster.entrypoints",
		c.Entrypoints,
		`
A list of addresses of entrypoint nodes used to join the mesh.

Each entry may be an IP address or a domain, with an optional port (the
gossip bind port is used by default). Domains are resolved and each
resolved address is attempted.

If empty the node starts a new mesh.`,
	)
	fs.StringVar(
		&c.DNSServer,
		"cluster.dns-server",
		c.DNSServer,
		`
DNS server address ('host:port') used to resolve entrypoint domains.

Defaults to the system resolver. This is useful when the entrypoint records
are only served by a private nameserver.`,
	)
	fs.DurationVar(
		&c.BootstrapTimeout,
		"cluster.bootstrap-timeout",
		c.BootstrapTimeout,
		`
How long to attempt to reach an entrypoint before startup fails.

Bootstrap failure is fatal since the node cannot join the mesh without at
least one live peer.`,
	)
}

type AdminConfig struct {
	// BindAddr is the address to bind to listen for incoming HTTP
	// connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to listen for incoming admin connections.

If the host is unspecified it defaults to all listeners, such as
'--admin.bind-addr :8002' will listen on '0.0.0.0:8002'`,
	)
	fs.StringVar(
		&c.AdvertiseAddr,
		"admin.advertise-addr",
		c.AdvertiseAddr,
		`
Admin listen address to advertise to other nodes in the cluster.

Such as if the listen address is ':8002', the advertised address may be
'10.26.104.45:8002' or 'node1.cluster:8002'.`,
	)
}

type Config struct {
	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`

	Gossip gossip.Config `json:"gossip" yaml:"gossip"`

	Admin AdminConfig `json:"admin" yaml:"admin"`

	Log log.Config `json:"log" yaml:"log"`

	// GracefulShutdownTimeout is the duration, in seconds, to gracefully
	// shutdown the node.
	GracefulShutdownTimeout int `json:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			BootstrapTimeout: time.Minute,
		},
		Gossip: gossip.DefaultConfig(),
		Admin: AdminConfig{
			BindAddr: ":8002",
		},
		Log: log.Config{
			Level: "info",
		},
		GracefulShutdownTimeout: 30,
	}
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Cluster.RegisterFlags(fs)
	c.Gossip.RegisterFlags(fs, "")
	c.Admin.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)

	fs.IntVar(
		&c.GracefulShutdownTimeout,
		"grace-period",
		c.GracefulShutdownTimeout,
		`
Maximum number of seconds after a shutdown signal is received to gracefully
shutdown the node.`,
	)
}

func (c *Config) Validate() error {
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if c.Admin.BindAddr == "" {
		return fmt.Errorf("admin: missing bind addr")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}
