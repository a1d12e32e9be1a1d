package node

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/coral-run/node/internal/envelope"
	"github.com/coral-run/node/internal/nodeconfig"
)

// receiverState tracks the per-source frame-skip counter and FPS window
// spec 4.5 steps 3-4 require to be independent per receiver.
type receiverState struct {
	endpoint     nodeconfig.Endpoint
	skipCounter  int
	receiveTimes *envelope.TimingWindow
}

// defaultMaxQSize is the work queue capacity used when a node's config
// leaves process.max_qsize unset.
const defaultMaxQSize = 64

// Run starts the dispatch loop and blocks until ctx is cancelled. It
// spawns one receive goroutine per configured receiver and, in parallel
// mode, a fixed worker pool draining a shared bounded queue; in inline
// mode each receive goroutine processes and sends on its own thread
// (spec 4.5 step 5).
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	defer cancel()

	states := make([]*receiverState, len(n.Config.Meta.Receivers))
	for i, ep := range n.Config.Meta.Receivers {
		states[i] = &receiverState{endpoint: ep, receiveTimes: envelope.NewTimingWindow()}
	}
	// A head node configures no receivers; it still runs one self-ticking
	// "receiver" that synthesizes a fresh envelope every iteration.
	if len(states) == 0 {
		states = []*receiverState{{receiveTimes: envelope.NewTimingWindow()}}
	}

	if !n.Config.Process.EnableParallel {
		return n.runInline(runCtx, states)
	}
	return n.runParallel(runCtx, states)
}

// Stop cancels the running dispatch loop.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}

func (n *Node) runInline(ctx context.Context, states []*receiverState) error {
	workerCtx, err := n.runInit(ctx)
	if err != nil {
		return err
	}
	done := make(chan struct{}, len(states))
	for _, st := range states {
		go func(st *receiverState) {
			defer func() { done <- struct{}{} }()
			senderWindow := envelope.NewTimingWindow()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				env, ok := n.receiveOnce(ctx, st)
				if !ok {
					continue
				}
				n.processAndSend(ctx, env, workerCtx, senderWindow)
			}
		}(st)
	}
	for range states {
		<-done
	}
	return nil
}

func (n *Node) runParallel(ctx context.Context, states []*receiverState) error {
	qsize := n.Config.Process.MaxQSize
	if qsize <= 0 {
		qsize = defaultMaxQSize
	}
	queue := make(chan *envelope.Envelope, qsize)

	for _, st := range states {
		go func(st *receiverState) {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				env, ok := n.receiveOnce(ctx, st)
				if !ok {
					continue
				}
				enqueueDropOldest(queue, env, n.onQueueOverflow)
			}
		}(st)
	}

	workerCount := n.Config.Process.Count
	if workerCount <= 0 {
		workerCount = 1
	}
	done := make(chan struct{}, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			workerCtx, err := n.runInit(ctx)
			if err != nil {
				n.log.Error().Err(err).Msg("node: worker init failed")
				return
			}
			senderWindow := envelope.NewTimingWindow()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-queue:
					n.processAndSend(ctx, env, workerCtx, senderWindow)
				}
			}
		}()
	}
	for i := 0; i < workerCount; i++ {
		<-done
	}
	return nil
}

func (n *Node) runInit(ctx context.Context) (interface{}, error) {
	if n.init == nil {
		return nil, nil
	}
	return n.init(ctx)
}

// receiveOnce implements spec 4.5 steps 1-4 for a single receiver: pull
// the next envelope (or synthesize one for the sentinel / self-ticking
// head case), record pending latency and the FPS sample, and apply the
// per-source frame-skip filter. The bool result reports whether the
// frame should be admitted to processing.
func (n *Node) receiveOnce(ctx context.Context, st *receiverState) (*envelope.Envelope, bool) {
	var env *envelope.Envelope

	if st.endpoint.NodeID == "" && st.endpoint.Topic == "" {
		// Head node: no upstream receiver configured, self-ticking.
		env = envelope.Empty(n.Config.NodeID)
	} else {
		received, ok, err := n.transport.Receive(st.endpoint.Carrier, st.endpoint.Topic, st.endpoint.Blocking, 0)
		if err != nil {
			n.log.Warn().Err(err).Str("topic", st.endpoint.Topic).Msg("node: receive failed")
			return nil, false
		}
		if ok {
			env = received
		} else {
			env = envelope.Empty(n.Config.NodeID)
		}
	}

	if st.endpoint.NodeID != "" && !n.admitRawID(ctx, env.RawID) {
		return nil, false
	}

	now := time.Now()
	if n.metrics != nil {
		n.metrics.RecordPendingCost(ctx, now.Sub(env.Timestamp).Seconds())
	}
	st.receiveTimes.Record(now)

	skip := n.Config.Generic.SkipFrame
	if skip > 0 {
		if st.skipCounter < skip {
			st.skipCounter++
			if n.metrics != nil {
				n.metrics.RecordDroppedFrame(ctx, "frame_skip")
			}
			return nil, false
		}
		st.skipCounter = 0
	}

	return env, true
}

// admitRawID reports whether rawID has not already been processed by
// this node under the dedupe store's TTL (spec 6): a hit marks the
// frame as a duplicate and drops it; a miss records rawID as seen
// before admitting the frame. With no dedupe store attached, every
// frame is admitted.
func (n *Node) admitRawID(ctx context.Context, rawID string) bool {
	if n.dedupe == nil || rawID == "" {
		return true
	}
	seen, err := n.dedupe.Seen(rawID)
	if err != nil {
		n.log.Warn().Err(err).Str("raw_id", rawID).Msg("node: dedupe lookup failed")
		return true
	}
	if seen {
		if n.metrics != nil {
			n.metrics.RecordDroppedFrame(ctx, "duplicate_raw_id")
		}
		return false
	}
	if err := n.dedupe.Mark(rawID, n.dedupeTTL); err != nil {
		n.log.Warn().Err(err).Str("raw_id", rawID).Msg("node: dedupe mark failed")
	}
	return true
}

// enqueueDropOldest admits env into queue, evicting the oldest queued
// envelope first if queue is already full (spec 4.5 step 5: "under
// sustained overload the system keeps the most recent frames, not the
// oldest"). onOverflow is invoked once per eviction for metrics.
func enqueueDropOldest(queue chan *envelope.Envelope, env *envelope.Envelope, onOverflow func()) {
	for {
		select {
		case queue <- env:
			return
		default:
			select {
			case <-queue:
				if onOverflow != nil {
					onOverflow()
				}
			default:
			}
		}
	}
}

func (n *Node) onQueueOverflow() {
	if n.metrics != nil {
		n.metrics.RecordDroppedFrame(context.Background(), "queue_full")
	}
}

// processAndSend runs the sender step and merge protocol for one
// envelope (spec 4.4/4.5): invoke the node author's Sender callback,
// classify and merge its result, advance the hop accounting, and send
// unless this node is a terminal sink.
func (n *Node) processAndSend(ctx context.Context, env *envelope.Envelope, workerCtx interface{}, senderWindow *envelope.TimingWindow) {
	start := time.Now()
	result, err := n.callSender(ctx, workerCtx, env)
	if err != nil {
		if err == ErrSenderIgnore {
			if n.metrics != nil {
				n.metrics.RecordDroppedFrame(ctx, "sender_ignore")
			}
			return
		}
		n.log.Error().Err(err).Str("node_id", n.Config.NodeID).Msg("node: sender failed")
		if n.metrics != nil {
			n.metrics.RecordDroppedFrame(ctx, "sender_error")
		}
		return
	}

	if err := n.mergeResult(env, result); err != nil {
		n.log.Error().Err(err).Str("node_id", n.Config.NodeID).Msg("node: merge failed")
		if n.metrics != nil {
			n.metrics.RecordDroppedFrame(ctx, "merge_error")
		}
		return
	}

	now := time.Now()
	env.AdvanceHop(now)
	senderWindow.Record(now)

	if n.Config.Meta.Sender != nil {
		if err := n.transport.Send(n.Config.Meta.Sender.Carrier, n.Config.Meta.Sender.Topic, env); err != nil {
			n.log.Error().Err(err).Msg("node: send failed")
			if n.metrics != nil {
				n.metrics.RecordDroppedFrame(ctx, "transport_error")
			}
			return
		}
	}

	if n.metrics != nil {
		n.metrics.RecordProcessedFrame(ctx, time.Since(start).Seconds())
	}
}

func (n *Node) callSender(ctx context.Context, workerCtx interface{}, env *envelope.Envelope) (interface{}, error) {
	if n.sender == nil {
		return nil, nil
	}
	return n.sender(ctx, workerCtx, env)
}

// mergeResult classifies a Sender's return value and folds it into env
// per the merge protocol (spec 4.4). When a return type is registered, a
// result of any other type is rejected before it is merged.
func (n *Node) mergeResult(env *envelope.Envelope, result interface{}) error {
	if result == nil {
		return nil
	}
	if n.Registries.Return != nil {
		if name, sample, ok := n.Registries.Return.DefaultType(); ok && reflect.TypeOf(result) != reflect.TypeOf(sample) {
			return fmt.Errorf("node: sender returned %T, but the registered return type %q is %T", result, name, sample)
		}
	}
	switch v := result.(type) {
	case *envelope.HeadResult:
		return env.SetRaw(v)
	case *envelope.InterfaceResult:
		return env.MergeObjects(v)
	default:
		return env.SetMeta(n.Config.NodeID, v)
	}
}
