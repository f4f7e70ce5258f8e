package gossip

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// BindAddr is the address to bind to listen for gossip traffic.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// ClusterVersion is the compatibility tag partitioning the network.
	// Nodes whose tags differ never merge state or select one another as
	// gossip targets.
	ClusterVersion uint16 `json:"cluster_version" yaml:"cluster_version"`

	// Interval is the rate to initiate anti-entropy rounds.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// MaxPacketSize is the maximum size of any packet sent.
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`

	// PushFanout is the number of peers to push to each round.
	PushFanout int `json:"push_fanout" yaml:"push_fanout"`

	// PullTimeout is the bound on waiting for a pull response. A peer that
	// doesn't respond within the timeout has its failure counter
	// incremented and the round proceeds without it.
	PullTimeout time.Duration `json:"pull_timeout" yaml:"pull_timeout"`

	// Capacity is the maximum number of table entries. Once exceeded the
	// least recently updated entries are evicted.
	Capacity int `json:"capacity" yaml:"capacity"`

	// FailureThreshold is the number of consecutive failed rounds after
	// which a peer stops being selected as a gossip target.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// Retention is how long an unreachable peer's view is kept before it is
	// removed.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

func DefaultConfig() Config {
	return Config{
		BindAddr:         ":8001",
		ClusterVersion:   1,
		Interval:         time.Millisecond * 500,
		MaxPacketSize:    1400,
		PushFanout:       3,
		PullTimeout:      time.Second * 5,
		Capacity:         4096,
		FailureThreshold: 5,
		Retention:        time.Minute * 5,
	}
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if c.ClusterVersion == 0 {
		return fmt.Errorf("missing cluster version")
	}
	if c.Interval == 0 {
		return fmt.Errorf("missing interval")
	}
	if c.MaxPacketSize == 0 {
		return fmt.Errorf("missing max packet size")
	}
	if c.PushFanout == 0 {
		return fmt.Errorf("missing push fanout")
	}
	if c.PullTimeout == 0 {
		return fmt.Errorf("missing pull timeout")
	}
	if c.Capacity == 0 {
		return fmt.Errorf("missing capacity")
	}
	if c.FailureThreshold == 0 {
		return fmt.Errorf("missing failure threshold")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + "gossip."

	fs.StringVar(
		&c.BindAddr,
		prefix+"bind-addr",
		c.BindAddr,
		`
The host/port to listen for inter-node gossip traffic.

If the host is unspecified it defaults to all listeners, such as
a bind address ':8001' will listen on '0.0.0.0:8001'`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		prefix+"advertise-addr",
		c.AdvertiseAddr,
		`
Gossip listen address to advertise to other nodes in the cluster. This is the
address other nodes will use to gossip with the node.

Such as if the listen address is ':8001', the advertised address may be
'10.26.104.45:8001' or 'node1.cluster:8001'.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8001') the nodes
private IP will be used, such as a bind address of ':8001' may have an
advertise address of '10.26.104.14:8001'.`,
	)

	fs.Uint16Var(
		&c.ClusterVersion,
		prefix+"cluster-version",
		c.ClusterVersion,
		`
Compatibility tag partitioning the network.

Nodes with different cluster versions never exchange state or select one
another as gossip targets, even if directly reachable.`,
	)

	fs.DurationVar(
		&c.Interval,
		prefix+"interval",
		c.Interval,
		`
The interval to initiate rounds of gossip.

Each gossip round pushes recent state to a few peers and synchronizes with
another.`,
	)

	fs.IntVar(
		&c.MaxPacketSize,
		prefix+"max-packet-size",
		c.MaxPacketSize,
		`
The maximum size of any packet sent.

Depending on your networks MTU you may be able to increase to include more data
in each packet.`,
	)

	fs.IntVar(
		&c.PushFanout,
		prefix+"push-fanout",
		c.PushFanout,
		`
The number of peers to push recent state to each round.`,
	)

	fs.DurationVar(
		&c.PullTimeout,
		prefix+"pull-timeout",
		c.PullTimeout,
		`
The bound on waiting for a pull response before counting the peer as
failed for the round.`,
	)

	fs.IntVar(
		&c.Capacity,
		prefix+"capacity",
		c.Capacity,
		`
The maximum number of gossip table entries.

Once exceeded the least recently updated entries are evicted (the local
node's own entries are never evicted).`,
	)

	fs.IntVar(
		&c.FailureThreshold,
		prefix+"failure-threshold",
		c.FailureThreshold,
		`
The number of consecutive failed rounds after which a peer stops being
selected as a gossip target.`,
	)

	fs.DurationVar(
		&c.Retention,
		prefix+"retention",
		c.Retention,
		`
How long an unreachable peer is remembered before its view is removed.`,
	)
}
