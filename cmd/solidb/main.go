package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/solidb/internal/admin"
	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/replication"
	"github.com/cuemby/solidb/internal/shard"
	"github.com/cuemby/solidb/pkg/events"
	"github.com/cuemby/solidb/pkg/log"
	"github.com/cuemby/solidb/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "solidb",
	Short: "SoliDB - clustered document database node",
	Long: `SoliDB is a clustered, document-oriented database with a JSON data
model, a declarative query language, secondary indexes, peer-to-peer
replication, and shard-aware data placement.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"SoliDB version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a database node",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("node-id", "", "Stable node identifier (defaults to the hostname)")
	startCmd.Flags().String("data-dir", "./data", "Data directory")
	startCmd.Flags().String("repl-listen", "0.0.0.0:7700", "Replication listen address")
	startCmd.Flags().String("repl-advertise", "", "Replication address peers reach this node at")
	startCmd.Flags().String("admin-listen", "127.0.0.1:7701", "Admin gRPC listen address")
	startCmd.Flags().StringSlice("peers", nil, "Peer replication addresses to join")
	startCmd.Flags().String("keyfile", "", "Shared keyfile enabling peer authentication")
	startCmd.Flags().String("cluster-secret", "", "Shared secret required on admin calls")
	startCmd.Flags().Duration("ttl-sweep-interval", time.Minute, "TTL expiry sweep interval")
	startCmd.Flags().Duration("heal-interval", 30*time.Second, "Shard healing check interval")
}

func runStart(cmd *cobra.Command, _ []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		nodeID = hostname
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	logger := log.WithNodeID(nodeID)
	logger.Info().Str("data_dir", dataDir).Msg("starting node")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	eng, err := engine.Open(dataDir, nodeID)
	if err != nil {
		return err
	}
	eng.SetBroker(broker)
	metrics.RegisterComponent("storage", true, "")

	replListen, _ := cmd.Flags().GetString("repl-listen")
	replAdvertise, _ := cmd.Flags().GetString("repl-advertise")
	peers, _ := cmd.Flags().GetStringSlice("peers")
	keyfile, _ := cmd.Flags().GetString("keyfile")

	svc, err := replication.NewService(eng, replication.Config{
		ListenAddr:    replListen,
		AdvertiseAddr: replAdvertise,
		Peers:         peers,
		Keyfile:       keyfile,
	})
	if err != nil {
		return err
	}
	svc.SetBroker(broker)
	if err := svc.Start(); err != nil {
		return err
	}
	svc.StartHealthMonitor(15 * time.Second)
	metrics.RegisterComponent("replication", true, "")

	coord, err := shard.NewCoordinator(eng, svc, shard.LocalExporter{Eng: eng})
	if err != nil {
		return err
	}
	coord.SetBroker(broker)

	// Node-down events feed the healer's recently-failed tracking.
	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Type == events.EventNodeDown {
				coord.Failures().Record(ev.Message)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ttlInterval, _ := cmd.Flags().GetDuration("ttl-sweep-interval")
	eng.StartTTLSweeper(ctx, ttlInterval)

	healInterval, _ := cmd.Flags().GetDuration("heal-interval")
	go func() {
		ticker := time.NewTicker(healInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := coord.HealShards(); err != nil {
					logger.Warn().Err(err).Msg("heal cycle failed")
				}
			}
		}
	}()

	collector := metrics.NewCollector(15*time.Second, documentGauges(eng))
	collector.Start()
	defer collector.Stop()

	secret, _ := cmd.Flags().GetString("cluster-secret")
	adminListen, _ := cmd.Flags().GetString("admin-listen")
	adminSrv := admin.NewServer(eng, svc, coord, secret)
	go func() {
		if err := adminSrv.Serve(adminListen); err != nil {
			logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	metrics.RegisterComponent("api", true, "")
	metrics.SetVersion(Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Reverse construction order: stop serving, drain sync, close KV.
	adminSrv.Stop()
	cancel()
	svc.Stop()
	if err := svc.SavePeers(); err != nil {
		logger.Warn().Err(err).Msg("saving peers failed")
	}
	flushDerivedState(eng, logger)
	return eng.Close()
}

// flushDerivedState persists in-memory vector indexes and filter
// accelerators so the next start loads them instead of rebuilding.
func flushDerivedState(eng *engine.Engine, logger zerolog.Logger) {
	for _, dbName := range eng.ListDatabases() {
		db, ok := eng.Database(dbName)
		if !ok {
			continue
		}
		for _, collName := range db.CollectionNames() {
			coll, ok := db.Collection(collName)
			if !ok {
				continue
			}
			if err := coll.PersistVectors(); err != nil {
				logger.Warn().Err(err).Str("collection", dbName+"/"+collName).Msg("persisting vector indexes failed")
			}
			if err := coll.PersistAccelerators(); err != nil {
				logger.Warn().Err(err).Str("collection", dbName+"/"+collName).Msg("persisting index filters failed")
			}
		}
	}
}

// documentGauges samples per-collection document counts into the
// documents gauge.
func documentGauges(eng *engine.Engine) metrics.Sampler {
	return func() {
		for _, dbName := range eng.ListDatabases() {
			db, ok := eng.Database(dbName)
			if !ok {
				continue
			}
			for _, collName := range db.CollectionNames() {
				coll, ok := db.Collection(collName)
				if !ok || strings.HasPrefix(collName, "_") {
					continue
				}
				metrics.DocumentsTotal.WithLabelValues(dbName, collName).Set(float64(coll.Store().Count()))
			}
		}
	}
}
