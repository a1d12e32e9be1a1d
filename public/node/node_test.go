package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coral-run/node/internal/envelope"
	"github.com/coral-run/node/internal/nodeconfig"
	"github.com/coral-run/node/internal/registry"
	"github.com/coral-run/node/internal/shmstore"
	"github.com/rs/zerolog"
)

func headNode(sender SenderFunc) *Node {
	cfg := &nodeconfig.Config{
		NodeID: "head-1",
		Meta:   nodeconfig.MetaConfig{Mode: nodeconfig.ModePubSub},
	}
	regs := Registries{
		Data:   registry.NewDataRegistry("Image"),
		Params: registry.NewParamsRegistry(),
		Return: registry.NewReturnRegistry(),
	}
	return New(cfg, regs, nil, zerolog.Nop(), nil, sender)
}

func TestProcessAndSendMergesHeadResult(t *testing.T) {
	raw := &envelope.RawData{Buffer: make([]byte, 4*4*3), Width: 4, Height: 4, Channels: 3}
	n := headNode(func(ctx context.Context, workerCtx interface{}, env *envelope.Envelope) (interface{}, error) {
		return &envelope.HeadResult{Raw: raw}, nil
	})

	env := envelope.New("head-1")
	n.processAndSend(context.Background(), env, nil, envelope.NewTimingWindow())

	if env.Raw == nil {
		t.Fatalf("expected raw to be set after merge")
	}
}

func TestProcessAndSendDropsSilentlyOnSenderIgnore(t *testing.T) {
	n := headNode(func(ctx context.Context, workerCtx interface{}, env *envelope.Envelope) (interface{}, error) {
		return nil, ErrSenderIgnore
	})
	env := envelope.New("head-1")
	// Should not panic and should leave the envelope untouched.
	n.processAndSend(context.Background(), env, nil, envelope.NewTimingWindow())
	if env.Raw != nil {
		t.Fatalf("expected envelope to remain unmodified on sender ignore")
	}
}

func TestMergeResultClassifiesInterfaceNode(t *testing.T) {
	n := headNode(nil)
	env := &envelope.Envelope{}
	result := &envelope.InterfaceResult{Mode: envelope.MergeAppend, Objects: []envelope.Detection{{Label: "cat"}}}
	if err := n.mergeResult(env, result); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if len(env.Objects) != 1 || env.Objects[0].Label != "cat" {
		t.Fatalf("unexpected objects: %+v", env.Objects)
	}
}

func TestMergeResultClassifiesMetaNode(t *testing.T) {
	n := headNode(nil)
	env := &envelope.Envelope{}
	if err := n.mergeResult(env, map[string]int{"count": 3}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if env.Metas["node.head-1"] == nil {
		t.Fatalf("expected meta entry to be recorded under node.head-1")
	}
}

func TestReceiveOnceAppliesFrameSkip(t *testing.T) {
	n := headNode(nil)
	n.Config.Generic.SkipFrame = 2

	st := &receiverState{receiveTimes: envelope.NewTimingWindow()}
	var admittedAt []int
	for i := 0; i < 10; i++ {
		if _, ok := n.receiveOnce(context.Background(), st); ok {
			admittedAt = append(admittedAt, i)
		}
	}
	want := []int{2, 5, 8}
	if len(admittedAt) != len(want) {
		t.Fatalf("expected admitted indices %v, got %v", want, admittedAt)
	}
	for i, idx := range want {
		if admittedAt[i] != idx {
			t.Fatalf("expected admitted indices %v, got %v", want, admittedAt)
		}
	}
}

func TestReceiveOnceAdmitsEveryFrameWhenSkipIsZero(t *testing.T) {
	n := headNode(nil)
	st := &receiverState{receiveTimes: envelope.NewTimingWindow()}
	for i := 0; i < 5; i++ {
		if _, ok := n.receiveOnce(context.Background(), st); !ok {
			t.Fatalf("expected frame %d to be admitted with skip_frame=0", i)
		}
	}
}

// A meta node that writes the same key twice across two separate frames
// is fine (each frame gets its own envelope); the invariant is that a
// single envelope's key is written at most once per pass through this
// node, which is what processAndSend's merge-error path protects.
func TestProcessAndSendDropsOnDuplicateMetaKeyWithinOneFrame(t *testing.T) {
	n := headNode(func(ctx context.Context, workerCtx interface{}, env *envelope.Envelope) (interface{}, error) {
		return map[string]int{"count": 1}, nil
	})
	env := envelope.New("head-1")
	if err := env.SetMeta("head-1", map[string]int{"count": 0}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// processAndSend must not panic on the duplicate-key merge error; it
	// logs and drops instead, leaving the original meta entry untouched.
	n.processAndSend(context.Background(), env, nil, envelope.NewTimingWindow())
	if env.Metas["node.head-1"].(map[string]int)["count"] != 0 {
		t.Fatalf("expected original meta entry to survive a rejected duplicate write, got %+v", env.Metas)
	}
}

func TestAdmitRawIDDropsADuplicateWithinTTL(t *testing.T) {
	dir := t.TempDir()
	store, err := shmstore.Open(filepath.Join(dir, "db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open dedupe store: %v", err)
	}
	defer store.Close()

	n := headNode(nil)
	n.dedupe = store
	n.dedupeTTL = time.Minute

	if !n.admitRawID(context.Background(), "raw-1") {
		t.Fatalf("expected the first sighting of raw-1 to be admitted")
	}
	if n.admitRawID(context.Background(), "raw-1") {
		t.Fatalf("expected a repeat sighting of raw-1 within TTL to be dropped")
	}
	if !n.admitRawID(context.Background(), "raw-2") {
		t.Fatalf("expected a distinct raw_id to be admitted")
	}
}

func TestAdmitRawIDAdmitsEverythingWithoutADedupeStore(t *testing.T) {
	n := headNode(nil)
	if !n.admitRawID(context.Background(), "raw-1") || !n.admitRawID(context.Background(), "raw-1") {
		t.Fatalf("expected every frame to be admitted when no dedupe store is attached")
	}
}

func TestEnqueueDropOldestKeepsASuffixOfArrivals(t *testing.T) {
	queue := make(chan *envelope.Envelope, 3)
	var evicted int
	onOverflow := func() { evicted++ }

	var sent []*envelope.Envelope
	for i := 0; i < 7; i++ {
		env := envelope.New("head-1")
		sent = append(sent, env)
		enqueueDropOldest(queue, env, onOverflow)
	}

	if evicted != 4 {
		t.Fatalf("expected 4 evictions draining 7 arrivals into a capacity-3 queue, got %d", evicted)
	}

	var got []*envelope.Envelope
	close(queue)
	for env := range queue {
		got = append(got, env)
	}
	want := sent[len(sent)-3:]
	if len(got) != len(want) {
		t.Fatalf("expected the last %d arrivals to remain queued, got %d", len(want), len(got))
	}
	for i, env := range got {
		if env != want[i] {
			t.Fatalf("expected queue to hold a suffix of arrivals in order, position %d mismatched", i)
		}
	}
}
