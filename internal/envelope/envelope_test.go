package envelope

import (
	"testing"
	"time"
)

func TestSetRawOnlyOnce(t *testing.T) {
	env := New("cam-1")
	raw := &RawData{Buffer: make([]byte, 64*64*3), Width: 64, Height: 64, Channels: 3}

	if err := env.SetRaw(&HeadResult{Raw: raw}); err != nil {
		t.Fatalf("first SetRaw failed: %v", err)
	}
	if err := env.SetRaw(&HeadResult{Raw: raw}); err == nil {
		t.Fatalf("expected second SetRaw to fail")
	}
}

func TestRawValidatesChannelsAndShape(t *testing.T) {
	env := New("cam-1")
	bad := &RawData{Buffer: make([]byte, 10), Width: 64, Height: 64, Channels: 3}
	if err := env.SetRaw(&HeadResult{Raw: bad}); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestMergeObjectsAppend(t *testing.T) {
	env := &Envelope{Objects: []Detection{{ClassID: 1, Label: "A"}}}
	err := env.MergeObjects(&InterfaceResult{Mode: MergeAppend, Objects: []Detection{{ClassID: 2, Label: "B"}}})
	if err != nil {
		t.Fatalf("append merge failed: %v", err)
	}
	if len(env.Objects) != 2 || env.Objects[0].Label != "A" || env.Objects[1].Label != "B" {
		t.Fatalf("unexpected objects after append: %+v", env.Objects)
	}
}

func TestMergeObjectsOverwrite(t *testing.T) {
	env := &Envelope{Objects: []Detection{{ClassID: 1, Label: "A"}}}
	err := env.MergeObjects(&InterfaceResult{Mode: MergeOverwrite, Objects: []Detection{{ClassID: 2, Label: "B"}}})
	if err != nil {
		t.Fatalf("overwrite merge failed: %v", err)
	}
	if len(env.Objects) != 1 || env.Objects[0].Label != "B" {
		t.Fatalf("unexpected objects after overwrite: %+v", env.Objects)
	}
}

func TestSetMetaRejectsDuplicateKey(t *testing.T) {
	env := &Envelope{}
	if err := env.SetMeta("yolo", map[string]int{"value": 7}); err != nil {
		t.Fatalf("first SetMeta failed: %v", err)
	}
	if err := env.SetMeta("yolo", map[string]int{"value": 8}); err == nil {
		t.Fatalf("expected duplicate meta key to fail")
	}
	if got, ok := env.Metas["node.yolo"]; !ok || got.(map[string]int)["value"] != 7 {
		t.Fatalf("expected first meta to be preserved, got %+v", env.Metas)
	}
}

func TestAdvanceHopAccumulatesCost(t *testing.T) {
	env := New("cam-1")
	start := env.Timestamp

	hop1 := start.Add(100 * time.Millisecond)
	env.AdvanceHop(hop1)
	if env.Timestamp != hop1 {
		t.Fatalf("expected timestamp to advance to hop1")
	}
	if d := env.NodesCost - 0.1; d < -0.001 || d > 0.001 {
		t.Fatalf("expected nodes_cost ~= 0.1, got %v", env.NodesCost)
	}

	hop2 := hop1.Add(50 * time.Millisecond)
	env.AdvanceHop(hop2)
	if d := env.NodesCost - 0.15; d < -0.001 || d > 0.001 {
		t.Fatalf("expected nodes_cost ~= 0.15, got %v", env.NodesCost)
	}
}

func TestRawIDPreservedAcrossHops(t *testing.T) {
	env := New("cam-1")
	id := env.RawID
	env.AdvanceHop(time.Now())
	env.SourceID = "interface-1"
	if env.RawID != id {
		t.Fatalf("raw_id changed across hops: %s != %s", env.RawID, id)
	}
}

func TestCloneDeepCopiesObjectsAndMetas(t *testing.T) {
	env := &Envelope{
		Objects: []Detection{{ClassID: 1, Label: "A"}},
		Metas:   map[string]interface{}{"node.a": 1},
	}
	clone := env.Clone()
	clone.Objects[0].Label = "changed"
	clone.Metas["node.a"] = 2

	if env.Objects[0].Label != "A" {
		t.Fatalf("clone mutation leaked into original objects")
	}
	if env.Metas["node.a"] != 1 {
		t.Fatalf("clone mutation leaked into original metas")
	}
}

func TestTimingWindowFPS(t *testing.T) {
	w := NewTimingWindow()
	base := time.Now()
	for i := 0; i < 10; i++ {
		w.Record(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	fps := w.FPS()
	if fps < 9.5 || fps > 10.5 {
		t.Fatalf("expected ~10 fps, got %v", fps)
	}
}

func TestTimingWindowWrapsAtCapacity(t *testing.T) {
	w := NewTimingWindow()
	base := time.Now()
	for i := 0; i < windowCapacity+10; i++ {
		w.Record(base.Add(time.Duration(i) * time.Millisecond))
	}
	if w.Len() != windowCapacity {
		t.Fatalf("expected window to cap at %d, got %d", windowCapacity, w.Len())
	}
}
