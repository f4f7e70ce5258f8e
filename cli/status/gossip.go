package status

import (
	"fmt"
	"net/url"
	"os"
	"sort"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/flock/gossip"
	"github.com/andydunstall/flock/status/client"
	"github.com/andydunstall/flock/status/config"
)

func newGossipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gossip",
		Short: "inspect gossip state",
	}

	cmd.AddCommand(newGossipPeersCommand())
	cmd.AddCommand(newGossipEntriesCommand())
	cmd.AddCommand(newGossipBootstrapCommand())

	return cmd
}

func registerServerFlag(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().StringVar(
		&conf.Server.URL,
		"server.url",
		"http://localhost:8002",
		`
Flock node URL. This URL should point to the node admin port.
`,
	)
}

func newGossipPeersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "inspect known peers",
		Long: `Inspect known peers.

Queries the node for the liveness view of each known peer in the mesh.

Examples:
  flock status gossip peers
`,
	}

	var conf config.Config
	registerServerFlag(cmd, &conf)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		showGossipPeers(&conf)
	}

	return cmd
}

type gossipPeersOutput struct {
	Peers []gossip.PeerView `json:"peers"`
}

func showGossipPeers(conf *config.Config) {
	// The URL has already been validated in conf.
	url, _ := url.Parse(conf.Server.URL)
	client := client.NewClient(url)
	defer client.Close()

	peers, err := client.GossipPeers()
	if err != nil {
		fmt.Printf("failed to get gossip peers: %s\n", err.Error())
		os.Exit(1)
	}

	// Sort by ID.
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID < peers[j].ID
	})

	output := gossipPeersOutput{
		Peers: peers,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

func newGossipEntriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries [origin]",
		Args:  cobra.MaximumNArgs(1),
		Short: "inspect gossip table entries",
		Long: `Inspect gossip table entries.

Queries the node for the gossip items it holds, optionally filtered to the
given origin node.

Examples:
  # All entries.
  flock status gossip entries

  # Entries originated by a node.
  flock status gossip entries 23f1090557dbbd19
`,
	}

	var conf config.Config
	registerServerFlag(cmd, &conf)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		origin := ""
		if len(args) > 0 {
			origin = args[0]
		}
		showGossipEntries(&conf, origin)
	}

	return cmd
}

type gossipEntriesOutput struct {
	Entries []gossip.Item `json:"entries"`
}

func showGossipEntries(conf *config.Config, origin string) {
	url, _ := url.Parse(conf.Server.URL)
	client := client.NewClient(url)
	defer client.Close()

	var items []gossip.Item
	var err error
	if origin == "" {
		items, err = client.GossipEntries()
	} else {
		items, err = client.GossipOrigin(origin)
	}
	if err != nil {
		fmt.Printf("failed to get gossip entries: %s\n", err.Error())
		os.Exit(1)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Origin != items[j].Origin {
			return items[i].Origin < items[j].Origin
		}
		return items[i].Kind < items[j].Kind
	})

	output := gossipEntriesOutput{
		Entries: items,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

func newGossipBootstrapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "inspect bootstrap state",
		Long: `Inspect bootstrap state.

Queries the node for its bootstrap state ('unseeded', 'resolving', 'seeded'
or 'converged').

Examples:
  flock status gossip bootstrap
`,
	}

	var conf config.Config
	registerServerFlag(cmd, &conf)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		url, _ := url.Parse(conf.Server.URL)
		client := client.NewClient(url)
		defer client.Close()

		state, err := client.GossipBootstrap()
		if err != nil {
			fmt.Printf("failed to get bootstrap state: %s\n", err.Error())
			os.Exit(1)
		}
		fmt.Println(state)
	}

	return cmd
}
