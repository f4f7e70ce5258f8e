package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-sockaddr"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andydunstall/flock/gossip"
	"github.com/andydunstall/flock/node/admin"
	"github.com/andydunstall/flock/node/config"
	flockconfig "github.com/andydunstall/flock/pkg/config"
	"github.com/andydunstall/flock/pkg/log"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a node",
		Long: `Start a node.

The node gossips with its peers to discover the other nodes in the mesh and
converge on a shared view of cluster state.

The node has two ports, a 'gossip' UDP port for inter-node traffic and an
'admin' port to inspect the status of the node.

To join an existing mesh, configure the addresses of one or more entrypoint
nodes with '--cluster.entrypoints'. If no entrypoints are configured the
node starts a new mesh.

Examples:
  # Start a node which starts a new mesh.
  flock node

  # Start a node and join an existing mesh.
  flock node --cluster.entrypoints entrypoint.my-mesh.com:8001

  # Start a node, listening for gossip traffic on :7001 and admin
  # connections on :7002.
  flock node --gossip.bind-addr :7001 --admin.bind-addr :7002
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replaces references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := flockconfig.Load(configPath, conf, configExpandEnv); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Gossip.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Gossip.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Gossip.AdvertiseAddr = advertiseAddr
		}
		if conf.Admin.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Admin.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Admin.AdvertiseAddr = advertiseAddr
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run node", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	logger.Info("starting flock node", zap.Any("conf", conf))

	identity, err := gossip.NewIdentity()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	logger.Info("generated identity", zap.String("node-id", string(identity.ID)))

	registry := prometheus.NewRegistry()

	transport, err := gossip.NewUDPTransport(
		conf.Gossip.BindAddr, conf.Gossip.MaxPacketSize, logger,
	)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	gossiper, err := gossip.New(
		identity,
		map[string]string{
			"gossip": conf.Gossip.AdvertiseAddr,
			"admin":  conf.Admin.AdvertiseAddr,
		},
		&conf.Gossip,
		transport,
		gossip.NewNopWatcher(),
		logger,
	)
	if err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	defer gossiper.Close()

	gossiper.Metrics().Register(registry)

	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		return fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	adminServer := admin.NewServer(registry, logger)
	adminServer.AddStatus("/gossip", gossip.NewStatus(gossiper))

	var resolver gossip.Resolver
	if conf.Cluster.DNSServer != "" {
		resolver = gossip.NewDNSResolver(conf.Cluster.DNSServer)
	}

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Gossip engine. Joins the mesh via the configured entrypoints then
	// gossips until shutdown. Bootstrap failure is fatal since without at
	// least one live peer the node cannot join.
	gossipCtx, gossipCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		if err := gossiper.Bootstrap(gossipCtx, gossip.BootstrapConfig{
			Entrypoints: conf.Cluster.Entrypoints,
			Resolver:    resolver,
			Timeout:     conf.Cluster.BootstrapTimeout,
		}); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}

		<-gossipCtx.Done()
		return nil
	}, func(error) {
		gossipCancel()
	})

	// Admin server.
	group.Add(func() error {
		if err := adminServer.Serve(adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(conf.GracefulShutdownTimeout)*time.Second,
		)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
		}

		logger.Info("admin server shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip + ":" + port, nil
	}
	return bindAddr, nil
}
