package status

import "github.com/spf13/cobra"

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect node status",
		Long: `Inspect node status.

Each Flock node exposes a status API to inspect the state of the node, this
can be used to answer questions such as:
* What peers does this node know and which are reachable?
* What gossip state does this node hold for each origin?
* Has the node joined the mesh?

See 'status --help' for the available commands.

Examples:
  # Inspect the known peers.
  flock status gossip peers

  # Inspect the gossip table entries.
  flock status gossip entries

  # Inspect the status of node 10.26.104.56:8002.
  flock status gossip peers --server.url http://10.26.104.56:8002
`,
	}

	cmd.AddCommand(newGossipCommand())

	return cmd
}
