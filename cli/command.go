package cli

import (
	"github.com/spf13/cobra"

	"github.com/andydunstall/flock/cli/node"
	"github.com/andydunstall/flock/cli/status"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "flock [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Flock is a decentralized cluster membership mesh.

Each Flock node gossips with its peers to discover the other nodes in the
cluster and converge on a shared, eventually consistent view of cluster
state, without a central coordinator.

Start a node with:

  $ flock node

To join an existing mesh, configure one or more entrypoint nodes:

  $ flock node --cluster.entrypoints entrypoint.my-mesh.com:8001

You can then inspect the state of a running node using:

  $ flock status gossip peers
`,
	}

	cmd.AddCommand(node.NewCommand())
	cmd.AddCommand(status.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
