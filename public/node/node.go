// Package node is the node-author-facing framework (spec 4.5): it wires
// a node's config, registries, transport connection, and metrics
// exporter together and drives the receive/process/send dispatch loop
// so a node author only has to supply an Init callback and a Sender
// callback.
//
// Grounded on the teacher's public/agent/base.go (BaseAgent: connection
// setup, lifecycle, config access) and public/agent/framework.go
// (AgentFramework.Run: the init -> connect -> process -> shutdown
// lifecycle), generalized from cellorg's generic agent message loop to
// coral's typed receive/process/send/merge pipeline.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coral-run/node/internal/envelope"
	"github.com/coral-run/node/internal/globalnodes"
	"github.com/coral-run/node/internal/metrics"
	"github.com/coral-run/node/internal/nodeconfig"
	"github.com/coral-run/node/internal/registry"
	"github.com/coral-run/node/internal/shmstore"
	"github.com/coral-run/node/internal/transport"
	"github.com/rs/zerolog"
)

// ErrSenderIgnore is the sentinel a Sender callback returns to signal a
// silent drop of the current frame: no error is logged and no error
// metric is recorded, matching spec 4.5's "a SenderIgnore condition from
// user code silently drops the frame (no error metric)".
var ErrSenderIgnore = errors.New("node: sender chose to ignore this frame")

// InitFunc runs once per worker at startup and returns the worker's own
// context value, threaded into every subsequent Sender call on that
// worker (spec 4.5: "a context dictionary returned by the user's
// init(context) callback").
type InitFunc func(ctx context.Context) (interface{}, error)

// SenderFunc is the node author's per-frame processing step. workerCtx
// is whatever this worker's InitFunc returned. The return value is
// classified and merged into env per the merge protocol (spec 4.4):
// an *envelope.HeadResult sets env.Raw, an *envelope.InterfaceResult
// merges env.Objects, anything else is recorded as this node's meta
// entry. When the node has registered a return type, a value of any
// other type is a merge error and the frame is dropped. Returning
// ErrSenderIgnore drops the frame silently; any other error drops it and
// is logged.
type SenderFunc func(ctx context.Context, workerCtx interface{}, env *envelope.Envelope) (interface{}, error)

// Registries bundles the three process-wide type registries a node
// validates its config and classifies merges against (spec 4.1).
type Registries struct {
	Data   *registry.DataRegistry
	Params *registry.ParamsRegistry
	Return *registry.ReturnRegistry
}

// Node is a fully wired coral node ready to Run.
type Node struct {
	Config     *nodeconfig.Config
	Registries Registries

	transport *transport.Client
	metrics   *metrics.Exporter
	log       zerolog.Logger

	init   InitFunc
	sender SenderFunc

	dedupe    *shmstore.Store
	dedupeTTL time.Duration

	cancel context.CancelFunc
}

// Option customizes New.
type Option func(*Node)

// WithMetrics attaches a metrics exporter; omit to run without metrics
// recording (equivalent to generic.enable_metrics=false).
func WithMetrics(m *metrics.Exporter) Option {
	return func(n *Node) { n.metrics = m }
}

// WithDedupe attaches a shared-memory raw_id store (spec 6) so
// receiveOnce can drop a frame this node has already processed under
// the same raw_id within ttl -- the case a restarted receive goroutine
// re-pulling an unacknowledged message from a pub/sub broker would
// otherwise reprocess. Omit to run without cross-restart dedup.
func WithDedupe(store *shmstore.Store, ttl time.Duration) Option {
	return func(n *Node) {
		n.dedupe = store
		n.dedupeTTL = ttl
	}
}

// New builds a Node from a resolved, derived, and validated config. cfg
// must already have passed nodeconfig.DeriveEndpoints and
// nodeconfig.Validate; New does not repeat that work so node authors
// can unit test their Init/Sender callbacks against hand-built configs
// without standing up a global-nodes file or transport service.
func New(cfg *nodeconfig.Config, regs Registries, transportClient *transport.Client, log zerolog.Logger, initFn InitFunc, senderFn SenderFunc, opts ...Option) *Node {
	n := &Node{
		Config:     cfg,
		Registries: regs,
		transport:  transportClient,
		log:        log,
		init:       initFn,
		sender:     senderFn,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Bootstrap performs the startup sequence every node binary runs before
// constructing a Node: resolve the config document, derive unset
// endpoints against the shared global-nodes file, and validate the
// result against the supplied registries (spec 4.2 points 1-3).
func Bootstrap(globalNodesPath string, regs Registries) (*nodeconfig.Config, error) {
	cfg, err := nodeconfig.Resolve()
	if err != nil {
		return nil, fmt.Errorf("node: failed to resolve config: %w", err)
	}
	store := globalnodes.Open(globalNodesPath)
	if err := nodeconfig.DeriveEndpoints(cfg, store); err != nil {
		return nil, fmt.Errorf("node: failed to derive endpoints: %w", err)
	}
	if err := nodeconfig.Validate(cfg, regs.Data, regs.Params, regs.Return); err != nil {
		return nil, fmt.Errorf("node: config validation failed: %w", err)
	}
	return cfg, nil
}
