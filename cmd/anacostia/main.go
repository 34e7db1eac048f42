// Command anacostia runs a single pipeline process from a YAML config
// file: it loads the topology, assembles the node lifecycle engine, and
// serves the dashboard/connector HTTP surface until interrupted.
//
// Argument parsing is deliberately minimal (flag.String for the config
// path); a full CLI is out of scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/anacostia-dev/anacostia-go/pipeline"
	"github.com/anacostia-dev/anacostia-go/pipeline/config"
	"github.com/anacostia-dev/anacostia-go/pipeline/connector"
	"github.com/anacostia-dev/anacostia-go/pipeline/monitor"
	"github.com/anacostia-dev/anacostia-go/pipeline/status"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

func main() {
	configPath := flag.String("config", "pipeline.yaml", "path to the pipeline config file")
	storePath := flag.String("store", "anacostia.db", "path to the SQLite metadata store file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective config (file plus applied defaults) and exit")
	flag.Parse()

	if err := run(*configPath, *storePath, *dumpConfig); err != nil {
		logrus.WithError(err).Fatal("anacostia exited")
	}
}

func run(configPath, storePath string, dumpConfig bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}

	st, err := store.NewSQLiteStore(storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	nodes, err := buildNodes(cfg, st)
	if err != nil {
		return fmt.Errorf("build nodes: %w", err)
	}
	pipeline.DeriveLocalSuccessors(nodes)

	tracerProvider := sdktrace.NewTracerProvider()
	defer func() { _ = tracerProvider.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tracerProvider)

	hub := status.NewHub()
	emitter := status.NewMultiEmitter(
		status.NewLogEmitter(nil),
		status.NewOTelEmitter(tracerProvider.Tracer(cfg.Name)),
		hub,
	)

	metrics := pipeline.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	sender := connector.NewSender(cfg.Name, pipeline.DefaultConnectorRetryPolicy)

	opts := []pipeline.Option{
		pipeline.WithMetrics(metrics),
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, pipeline.WithTriggerPollInterval(cfg.PollInterval))
	}

	engine, err := pipeline.NewEngine(cfg.Name, nodes, st, emitter, sender, opts...)
	if err != nil {
		return fmt.Errorf("assemble engine: %w", err)
	}

	receiver := connector.NewReceiver(engine)
	server := connector.NewServer(receiver, st)

	p := pipeline.NewPipeline(cfg.Name, engine, hub, server)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logrus.WithField("addr", cfg.Addr()).Info("starting pipeline")
	return p.Run(ctx, cfg.Addr())
}

// buildNodes translates the config's declarative node list into pipeline
// Nodes. Resource nodes watch WatchPath with a file-count trigger; the
// metadata-store node and action nodes get minimal strategies since
// business logic is supplied by the embedding application, not this
// binary (§1 Non-goal).
func buildNodes(cfg *config.PipelineConfig, st store.MetadataStore) ([]*pipeline.Node, error) {
	nodes := make([]*pipeline.Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		n := &pipeline.Node{
			ID:                nc.Name,
			LocalPredecessors: nc.Predecessors,
			WaitForConnection: nc.WaitForConnection,
		}

		for _, addr := range nc.RemoteSuccessors {
			n.RemoteSuccessors = append(n.RemoteSuccessors, pipeline.RemoteRef{PipelineAddr: addr, NodeID: nc.Name})
		}
		for _, addr := range nc.RemotePredecessors {
			n.RemotePredecessors = append(n.RemotePredecessors, pipeline.RemoteRef{PipelineAddr: addr, NodeID: nc.Name})
		}

		switch nc.Kind {
		case "metadata_store":
			n.Kind = pipeline.MetadataStoreKind
			n.Strategy = pipeline.StrategyFunc(func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
				return true, nil
			})
		case "resource":
			n.Kind = pipeline.ResourceKind
			threshold := nc.TriggerThreshold
			if threshold <= 0 {
				threshold = 1
			}
			n.Strategy = monitor.NewFilesystemMonitor(nc.WatchPath, monitor.FileCountTrigger(threshold))
		case "action":
			n.Kind = pipeline.ActionKind
			n.Strategy = pipeline.StrategyFunc(func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
				return true, nil
			})
		default:
			return nil, fmt.Errorf("node %s: unknown kind %q", nc.Name, nc.Kind)
		}

		nodes = append(nodes, n)
	}
	return nodes, nil
}
