// Command jknoded runs one JournalKeeper cluster member: it loads a
// ClusterConfig, opens the configured journal backend, wires the Raft
// core/state machine host/proposal pipeline together, and serves peer,
// client, and HTTP gateway traffic until signalled to stop. Its
// structure (a cobra root command, global --log-level/--log-json flags
// initialized via cobra.OnInitialize, one subcommand per operational
// mode) follows cuemby-warren/cmd/warren/main.go.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hexiaofeng/journalkeeper/internal/client"
	"github.com/hexiaofeng/journalkeeper/internal/config"
	"github.com/hexiaofeng/journalkeeper/internal/events"
	"github.com/hexiaofeng/journalkeeper/internal/httpapi"
	"github.com/hexiaofeng/journalkeeper/internal/journal"
	"github.com/hexiaofeng/journalkeeper/internal/metrics"
	"github.com/hexiaofeng/journalkeeper/internal/proposal"
	"github.com/hexiaofeng/journalkeeper/internal/raft"
	"github.com/hexiaofeng/journalkeeper/internal/statemachine"
	"github.com/hexiaofeng/journalkeeper/internal/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jknoded",
	Short: "JournalKeeper cluster node daemon",
	Long: `jknoded runs one member of a JournalKeeper Raft cluster: the
leader-election and log-replication core, the partitioned journal, the
deterministic state machine host, and the client-facing proposal
pipeline, gateway, and metrics surfaces.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	if !jsonOutput {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this node and serve cluster traffic until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to the cluster YAML config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

// echoTransition is the default no-op state transition used when no
// application-specific state machine is wired in: it replaces the state
// root with the payload and echoes it back as the applied result.
// A real deployment supplies its own statemachine.Transition per §1's
// "user-defined state-machine business logic is out of scope" boundary;
// this exists so jknoded is runnable standalone for smoke-testing a
// cluster's Raft/journal/transport wiring.
func echoTransition(root []byte, entry journal.LogEntry) ([]byte, []byte, error) {
	return entry.Payload, entry.Payload, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("jknoded: %w", err)
	}

	logger := log.With().Str("node_id", cfg.NodeID).Logger()
	logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("starting node")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store journal.Store
	switch cfg.StorageBackend {
	case "bolt":
		store, err = journal.NewBoltStore(cfg.DataDir)
	default:
		store, err = journal.NewFileStore(cfg.DataDir)
	}
	if err != nil {
		return fmt.Errorf("jknoded: open journal store: %w", err)
	}
	defer store.Close()

	bus := events.NewBus()
	registry := prometheus.NewRegistry()
	gauges := metrics.NewRaftGauges(registry, cfg.NodeID)

	addresses := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addresses[p.ID] = p.Address
	}
	peerTransport := transport.NewPeerTransport(cfg.NodeID, addresses)

	raftCfg := raft.Config{
		ID:                      cfg.NodeID,
		ElectionTimeoutMin:      cfg.ElectionTimeoutMin(),
		ElectionTimeoutMax:      cfg.ElectionTimeoutMax(),
		HeartbeatInterval:       cfg.HeartbeatInterval(),
		DisableLeaderWriteGrace: cfg.DisableLeaderWriteGrace(),
	}
	clusterCfg := raft.Configuration{Old: cfg.VoterIDs(), Observers: cfg.Observers}

	node, err := raft.NewNode(raftCfg, clusterCfg, store, peerTransport, bus, gauges)
	if err != nil {
		return fmt.Errorf("jknoded: construct raft node: %w", err)
	}

	host := statemachine.NewHost(store, bus, echoTransition)
	host.Subscribe()
	node.SetLastAppliedFn(host.LastApplied)
	node.SetSnapshotProvider(host)
	sink := statemachine.NewSnapshotSink(host)

	pipeline := proposal.New(node, host, bus)

	router := client.New(client.DefaultConfig(routerEndpoints(cfg)), cfg.NodeID+"-local")
	bus.Subscribe(router.Ingest)

	queryHandler := func(ctx context.Context, q []byte, sequential bool) ([]byte, error) {
		if !sequential {
			if err := host.WaitApplied(ctx, node.CommitIndex()); err != nil {
				return nil, err
			}
		}
		return host.StateRoot(), nil
	}

	srv := transport.NewServer(cfg.NodeID, node, pipeline, queryHandler, sink)

	go node.Run(ctx)
	go host.Run(ctx, node.CommitIndex)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("jknoded: listen %s: %w", cfg.ListenAddr, err)
	}
	go func() {
		if err := srv.Serve(listener); err != nil {
			logger.Error().Err(err).Msg("transport server stopped")
		}
	}()

	gateway := httpapi.New(node, router, registry)
	go func() {
		if err := gateway.ListenAndServe(ctx, cfg.MetricsAddr); err != nil {
			logger.Error().Err(err).Msg("http gateway stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	pipeline.Stop()
	host.Stop()
	node.Stop()
	srv.Stop()
	return nil
}

func routerEndpoints(cfg *config.ClusterConfig) []string {
	out := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		out = append(out, p.Address)
	}
	return out
}
