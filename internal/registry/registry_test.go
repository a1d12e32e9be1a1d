package registry

import "testing"

type sampleParams struct {
	ParamsModel `json:"-"`
	MinProb     float64 `json:"min_prob"`
}

type sampleReturn struct {
	ReturnModel `json:"-"`
	Objects     []string `json:"objects"`
}

// notAParams deliberately omits ParamsModel, so it must be rejected by a
// ParamsRegistry.
type notAParams struct {
	MinProb float64 `json:"min_prob"`
}

func TestParamsRegistryRejectsNonSubtype(t *testing.T) {
	r := NewParamsRegistry()
	if err := r.Register("NotParams", notAParams{}); err == nil {
		t.Fatalf("expected registration of a type not embedding ParamsModel to fail")
	}
	if r.Count() != 0 {
		t.Fatalf("expected rejected registration to leave count at 0, got %d", r.Count())
	}
}

func TestParamsRegistryAcceptsSubtype(t *testing.T) {
	r := NewParamsRegistry()
	if err := r.Register("Thresholds", sampleParams{MinProb: 0.5}); err != nil {
		t.Fatalf("expected registration of a ParamsModel-embedding type to succeed, got %v", err)
	}
	name, sample, ok := r.DefaultType()
	if !ok || name != "Thresholds" {
		t.Fatalf("expected default type %q, got %q (ok=%v)", "Thresholds", name, ok)
	}
	if _, ok := sample.(sampleParams); !ok {
		t.Fatalf("expected stored sample to be a sampleParams, got %T", sample)
	}
}

func TestParamsRegistryEnforcesCardinality(t *testing.T) {
	r := NewParamsRegistry()
	if err := r.Register("Thresholds", sampleParams{}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register("OtherThresholds", sampleParams{MinProb: 0.9}); err == nil {
		t.Fatalf("expected a second params registration in the same process to fail")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count to stay at 1 after a rejected second registration, got %d", r.Count())
	}
}

func TestReturnRegistryRejectsNonSubtype(t *testing.T) {
	r := NewReturnRegistry()
	if err := r.Register("NotReturn", struct{ Objects []string }{}); err == nil {
		t.Fatalf("expected registration of a type not embedding ReturnModel to fail")
	}
}

func TestReturnRegistryEnforcesCardinality(t *testing.T) {
	r := NewReturnRegistry()
	if err := r.Register("Detections", sampleReturn{}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register("MoreDetections", sampleReturn{}); err == nil {
		t.Fatalf("expected a second return registration in the same process to fail")
	}
}

func TestDataRegistryRejectsUnsupportedWireType(t *testing.T) {
	r := NewDataRegistry("Image")
	if err := r.Register("Detections", "NativeObject", nil); err == nil {
		t.Fatalf("expected registration with an unsupported wire type to fail")
	}
}

func TestDataRegistryRejectsDuplicateName(t *testing.T) {
	r := NewDataRegistry("Image", "NativeObject")
	if err := r.Register("RawImage", "Image", nil); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register("RawImage", "NativeObject", nil); err == nil {
		t.Fatalf("expected a duplicate data type name to be rejected")
	}
}

func TestDataRegistryLookup(t *testing.T) {
	r := NewDataRegistry("Image")
	if err := r.Register("RawImage", "Image", nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	entry, ok := r.Lookup("RawImage")
	if !ok || entry.Wire != "Image" {
		t.Fatalf("expected RawImage entry with wire type Image, got %+v (ok=%v)", entry, ok)
	}
	if _, ok := r.Lookup("Missing"); ok {
		t.Fatalf("expected lookup of an unregistered name to fail")
	}
}
