// Command example-node is a minimal coral node binary: an interface
// node that appends a synthetic "known-object" detection onto every
// frame it receives. It wires together every package in this module and
// demonstrates the register/run mode switch spec 4.7 and spec 6
// describe.
//
// Grounded on the teacher's cmd binaries convention of a thin main()
// that builds a framework and calls Run(), generalized from cellorg's
// generic agent entrypoint to coral's typed node wiring.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/coral-run/node/internal/envelope"
	"github.com/coral-run/node/internal/metrics"
	"github.com/coral-run/node/internal/nodeconfig"
	"github.com/coral-run/node/internal/registry"
	"github.com/coral-run/node/internal/schemapub"
	"github.com/coral-run/node/internal/shmstore"
	coralnode "github.com/coral-run/node/public/node"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric/noop"
)

// detectionParams is this node's sole registered params type (spec 4.1's
// "at most one params type per process"). ParamsModel marks it eligible
// for registration against a node's ParamsRegistry.
type detectionParams struct {
	registry.ParamsModel `json:"-"`
	MinProb              float64 `json:"min_prob"`
}

func buildRegistries() coralnode.Registries {
	data := registry.NewDataRegistry("Image", "NativeObject")
	_ = data.Register("RawImage", "Image", nil)
	_ = data.Register("Detections", "NativeObject", nil)

	params := registry.NewParamsRegistry()
	_ = params.Register("DetectionParams", detectionParams{})

	ret := registry.NewReturnRegistry()
	_ = ret.Register("Detections", &envelope.InterfaceResult{})

	return coralnode.Registries{Data: data, Params: params, Return: ret}
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("node", "example-node").Logger()

	if os.Getenv(nodeconfig.EnvConfigPath) == "" && os.Getenv(nodeconfig.EnvConfigBase64) == "" {
		log.Fatal().Msg("neither CORAL_NODE_CONFIG_PATH nor CORAL_NODE_BASE64_DATA is set")
	}

	regs := buildRegistries()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	mountDir := os.Getenv("CORAL_PIPE_MOUNT_DIR")
	if mountDir == "" {
		mountDir = filepath.Join(homeDir, ".coral")
	}

	cfg, err := coralnode.Bootstrap(globalNodesPath(mountDir), regs)
	if err != nil {
		log.Fatal().Err(err).Msg("node bootstrap failed")
	}

	if os.Getenv("CORAL_NODE_RUN_TYPE") == "register" {
		if err := runRegister(cfg, regs); err != nil {
			log.Error().Err(err).Msg("schema registration failed")
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := runNode(cfg, regs, log); err != nil {
		log.Fatal().Err(err).Msg("node exited with error")
	}
}

func globalNodesPath(mountDir string) string {
	if p := os.Getenv("CORAL_ALL_NODES_GLOBAL_DATA_PATH"); p != "" {
		return p
	}
	return filepath.Join(mountDir, "global_nodes.json")
}

// runRegister implements spec 4.7's registration mode: derive the
// schema, read the registration fields from the environment, and POST
// it, exiting non-zero on HTTP failure (handled by the caller).
func runRegister(cfg *nodeconfig.Config, regs coralnode.Registries) error {
	name := os.Getenv("CORAL_NODE_NAME")
	version := os.Getenv("CORAL_NODE_VERSION")
	registerURL := os.Getenv("CORAL_NODE_REGISTER_URL")
	image := os.Getenv("CORAL_NODE_DOCKER_IMAGE")
	if name == "" || version == "" || registerURL == "" || image == "" {
		return fmt.Errorf("CORAL_NODE_NAME, CORAL_NODE_VERSION, CORAL_NODE_REGISTER_URL, and CORAL_NODE_DOCKER_IMAGE are required in register mode")
	}

	schema := nodeconfig.BuildSchema(cfg.NodeID, regs.Params, regs.Return)
	publisher := schemapub.New(registerURL)
	return publisher.Register(name, version, image, schema)
}

func runNode(cfg *nodeconfig.Config, regs coralnode.Registries, log zerolog.Logger) error {
	var exporter *metrics.Exporter
	if cfg.Generic.EnableMetrics {
		var err error
		meter := noop.NewMeterProvider().Meter("coral-node")
		exporter, err = metrics.NewExporter(true, cfg.NodeID, metricsTopic(cfg), meter, log)
		if err != nil {
			return fmt.Errorf("failed to build metrics exporter: %w", err)
		}
		if credsPath := os.Getenv("CORAL_COMMON_CONFIG_PATH"); credsPath != "" {
			creds, err := metrics.LoadBrokerCredentials(credsPath)
			if err != nil {
				return fmt.Errorf("failed to load broker credentials: %w", err)
			}
			if err := exporter.Connect(creds); err != nil {
				return fmt.Errorf("failed to connect metrics exporter: %w", err)
			}
		}
	}

	opts := []coralnode.Option{coralnode.WithMetrics(exporter)}
	if dedupeDir := os.Getenv("CORAL_DEDUPE_DIR"); dedupeDir != "" {
		store, err := shmstore.Open(dedupeDir, log)
		if err != nil {
			return fmt.Errorf("failed to open dedupe store: %w", err)
		}
		defer store.Close()

		ttl := dedupeTTL()
		reapCtx, cancelReap := context.WithCancel(context.Background())
		defer cancelReap()
		go store.RunReaper(reapCtx, ttl)

		opts = append(opts, coralnode.WithDedupe(store, ttl))
	}

	n := coralnode.New(cfg, regs, nil, log, initWorker, detect, opts...)

	transportAddr := os.Getenv("CORAL_TRANSPORT_ADDR")
	if transportAddr == "" {
		transportAddr = "localhost:9100"
	}
	return coralnode.Serve(n, transportAddr)
}

// dedupeTTL reads CORAL_DEDUPE_TTL_SECONDS, defaulting to 60s -- long
// enough to cover a typical receive-retry window without growing the
// store unboundedly.
func dedupeTTL() time.Duration {
	const defaultTTL = 60 * time.Second
	raw := os.Getenv("CORAL_DEDUPE_TTL_SECONDS")
	if raw == "" {
		return defaultTTL
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return defaultTTL
	}
	return time.Duration(secs) * time.Second
}

func metricsTopic(cfg *nodeconfig.Config) string {
	return fmt.Sprintf("/coral/pipeline/%s/node/%s/metrics/system", cfg.PipelineID, cfg.NodeID)
}

type workerContext struct {
	minProb float64
}

func initWorker(ctx context.Context) (interface{}, error) {
	return &workerContext{minProb: 0.5}, nil
}

// detect is this node's Sender callback: an interface-node example that
// appends one synthetic detection to whatever objects already exist.
func detect(ctx context.Context, workerCtx interface{}, env *envelope.Envelope) (interface{}, error) {
	wc, _ := workerCtx.(*workerContext)
	if wc == nil {
		return nil, coralnode.ErrSenderIgnore
	}
	if env.Raw == nil {
		return nil, coralnode.ErrSenderIgnore
	}
	return &envelope.InterfaceResult{
		Mode: envelope.MergeAppend,
		Objects: []envelope.Detection{
			{ClassID: 0, Label: "known-object", Prob: wc.minProb},
		},
	}, nil
}

