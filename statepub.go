package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/statepub/admin"
	"github.com/clusterd/statepub/cfg"
	"github.com/clusterd/statepub/cluster"
	statepubgrpc "github.com/clusterd/statepub/grpc"
	"github.com/clusterd/statepub/hlc"
	"github.com/clusterd/statepub/notify"
	"github.com/clusterd/statepub/publication"
	"github.com/clusterd/statepub/store"
	"github.com/clusterd/statepub/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("statepub - cluster state publication node")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	clock := hlc.NewClock(cfg.Config.NodeID)
	registry := cluster.NewFragmentRegistry()
	localNode := buildLocalNode()

	// Optional persisted diff base. Without it every publication round this
	// node coordinates must send full states.
	var stateStore publication.StateStore
	var pebbleStore *store.StateStore
	if cfg.Config.Publication.PersistenceEnabled {
		pebbleStore, err = store.NewStateStore(filepath.Join(cfg.Config.DataDir, "state"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open state store")
			return
		}
		defer pebbleStore.Close()
		stateStore = pebbleStore
	} else {
		log.Info().Msg("State persistence disabled, full states will be sent on every publication")
	}

	// Optional commit notifier
	var notifier *notify.Notifier
	if cfg.Config.Notifier.Enabled {
		notifier, err = notify.NewNotifier(cfg.Config.Notifier.URL, cfg.Config.Notifier.Subject, cfg.Config.NodeID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize commit notifier")
			return
		}
		defer notifier.Close()
	}

	client := statepubgrpc.NewClient(localNode, clock)
	defer client.Close()

	// The acceptance callback stands in for the coordination engine: it acks
	// every decoded state. A consensus layer embedding this node would supply
	// its own callbacks here.
	var handler *publication.TransportHandler
	handler, err = publication.NewTransportHandler(publication.HandlerConfig{
		LocalNode: localNode,
		Codec:     publication.NewCodec(),
		Transport: client,
		Registry:  registry,
		Clock:     clock,
		HandlePublish: func(req *publication.PublishRequest) (*publication.PublishWithJoinResponse, error) {
			log.Info().
				Uint64("term", req.State.Term).
				Int64("version", req.State.Version).
				Str("uuid", req.State.StateUUID).
				Msg("Accepted cluster state")
			return &publication.PublishWithJoinResponse{
				Response: publication.PublishResponse{Term: req.State.Term, Version: req.State.Version},
			}, nil
		},
		HandleCommit: func(req *publication.ApplyCommitRequest) error {
			log.Info().
				Uint64("term", req.Term).
				Int64("version", req.Version).
				Uint64("source_node_id", req.SourceNodeID).
				Msg("Committed cluster state version")
			if notifier != nil {
				uuid := ""
				if state := handler.LastSeenState(); state != nil {
					uuid = state.StateUUID
				}
				notifier.NotifyCommit(req.Term, req.Version, uuid)
			}
			return nil
		},
		Store:           stateStore,
		CommitDedupSize: cfg.Config.Publication.CommitDedupSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize publication handler")
		return
	}

	server := statepubgrpc.NewServer(statepubgrpc.ServerConfig{
		NodeID:         cfg.Config.NodeID,
		Address:        cfg.Config.Cluster.GRPCBindAddress,
		Port:           cfg.Config.Cluster.GRPCPort,
		Handler:        handler,
		MetricsHandler: telemetry.GetMetricsHandler(),
		AdminHandler:   admin.Handler(admin.NewAdminHandlers(handler)),
	})
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start publication server")
		return
	}
	defer server.Stop()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("grpc_port", cfg.Config.Cluster.GRPCPort).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	// Keep running until interrupted
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")
}

// buildLocalNode derives this node's cluster identity from config.
func buildLocalNode() *cluster.Node {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = fmt.Sprintf("node-%d", cfg.Config.NodeID)
	}

	address := cfg.Config.Cluster.GRPCAdvertiseAddress
	if address == "" {
		address = fmt.Sprintf("%s:%d", hostname, cfg.Config.Cluster.GRPCPort)
	}

	return &cluster.Node{
		ID:          cfg.Config.NodeID,
		Name:        hostname,
		Address:     address,
		WireVersion: cluster.CurrentWireVersion,
	}
}
