// Package envelope implements the per-frame record that accumulates
// results as it traverses a coral pipeline, and the merge protocol by
// which a node's sender result is folded into it.
//
// An Envelope is created once by a head ("input") node and is mutated,
// hop by hop, as it moves through interface and meta nodes toward a
// terminal sink. Exactly one node may ever set Raw; each meta node's key
// in Metas may be written at most once; Objects accumulates through
// APPEND or is replaced wholesale through OVERWRITE.
//
// Called by: public/node (merge step of the sender pipeline),
// internal/transport (wire serialization)
// Calls: encoding/json, github.com/google/uuid
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coral-run/node/internal/registry"
	"github.com/google/uuid"
)

// MergeMode selects how a node contributes to Envelope.Objects.
type MergeMode string

const (
	// MergeAppend concatenates the sender's Objects onto the existing
	// sequence (or initializes it if absent).
	MergeAppend MergeMode = "APPEND"
	// MergeOverwrite replaces Objects wholesale.
	MergeOverwrite MergeMode = "OVERWRITE"
)

// Box is an axis-aligned bounding box in image coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one detected object in a frame. Box, ID, and nested
// Objects are all optional per spec 3.
type Detection struct {
	ClassID int         `json:"class_id"`
	Label   string      `json:"label"`
	Prob    float64     `json:"prob"`
	Box     *Box        `json:"box,omitempty"`
	ID      *int        `json:"id,omitempty"`
	Objects []Detection `json:"objects,omitempty"`
}

// Envelope is the frame record shared across the pipeline (spec 3).
//
// Thread safety: an Envelope is owned by exactly one worker at a time;
// the node runtime never hands the same pointer to two workers
// concurrently, so no internal locking is needed.
type Envelope struct {
	SourceID  string                 `json:"source_id"`
	RawID     string                 `json:"raw_id"`
	Raw       *RawData               `json:"raw,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	NodesCost float64                `json:"nodes_cost"`
	Objects   []Detection            `json:"objects,omitempty"`
	Metas     map[string]interface{} `json:"metas,omitempty"`
}

// RawData is the image buffer or reference carried by the envelope once
// the head node sets it. Buffer is the raw pixel data; Width/Height/
// Channels describe its shape for validators registered against the
// "Image" wire type (spec 3: "RawImage requires a 3- or 4-channel uint8
// buffer").
type RawData struct {
	Buffer   []byte `json:"buffer"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
}

// Validate checks the head-node shape invariant referenced in spec 3's
// data-type registry discussion: a 3- or 4-channel uint8 buffer whose
// length matches width*height*channels.
func (r *RawData) Validate() error {
	if r.Channels != 3 && r.Channels != 4 {
		return fmt.Errorf("envelope: raw image must have 3 or 4 channels, got %d", r.Channels)
	}
	want := r.Width * r.Height * r.Channels
	if len(r.Buffer) != want {
		return fmt.Errorf("envelope: raw image buffer length %d does not match %dx%dx%d", len(r.Buffer), r.Width, r.Height, r.Channels)
	}
	return nil
}

// New creates a fresh envelope for a head node's first frame: it assigns
// a new raw_id (spec 3: "UUID v4, assigned at pipeline head") and stamps
// the current time. Raw, Objects, and Metas all start unset.
func New(sourceID string) *Envelope {
	return &Envelope{
		SourceID:  sourceID,
		RawID:     uuid.New().String(),
		Timestamp: time.Now(),
	}
}

// Empty synthesizes the placeholder envelope the runtime admits when a
// non-blocking receiver reports "no message available" (spec 4.3's
// "#no_recevier#" sentinel -> "idle receiver, emit empty envelope").
func Empty(sourceID string) *Envelope {
	return New(sourceID)
}

// ValidationError names the offending field, matching the teacher's
// envelope.ValidationError and spec 7's "descriptive message identifying
// the field" requirement.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// HeadResult is the shape a head node's sender must return: it carries
// the raw frame data the envelope has been waiting for (spec 4.4).
// ReturnModel marks it eligible for registration against a node's
// ReturnRegistry.
type HeadResult struct {
	registry.ReturnModel `json:"-"`
	Raw                  *RawData `json:"raw"`
}

// InterfaceResult is the shape an interface node's sender must return:
// a merge mode plus the objects it contributes (spec 4.4). ReturnModel
// marks it eligible for registration against a node's ReturnRegistry.
type InterfaceResult struct {
	registry.ReturnModel `json:"-"`
	Mode                 MergeMode   `json:"mode"`
	Objects              []Detection `json:"objects"`
}

// SetRaw applies a head node's result. It is an error to call this twice
// on the same envelope (spec 3: "raw is written exactly once").
func (e *Envelope) SetRaw(result *HeadResult) error {
	if e.Raw != nil {
		return &ValidationError{Field: "raw", Message: "raw has already been set on this envelope"}
	}
	if result == nil || result.Raw == nil {
		return &ValidationError{Field: "raw", Message: "head node result did not carry raw data"}
	}
	if err := result.Raw.Validate(); err != nil {
		return &ValidationError{Field: "raw", Message: err.Error()}
	}
	e.Raw = result.Raw
	return nil
}

// MergeObjects applies an interface node's result (spec 4.4): APPEND
// concatenates onto the existing sequence, OVERWRITE replaces it.
func (e *Envelope) MergeObjects(result *InterfaceResult) error {
	if result == nil {
		return &ValidationError{Field: "objects", Message: "interface node result was nil"}
	}
	switch result.Mode {
	case MergeOverwrite:
		e.Objects = result.Objects
	case MergeAppend:
		e.Objects = append(e.Objects, result.Objects...)
	default:
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown merge mode %q", result.Mode)}
	}
	return nil
}

// SetMeta records a meta node's contribution under "node.<nodeID>". A
// duplicate key on the same envelope is fatal for that frame (spec 3/8:
// "metas[...] is written at most once per id").
func (e *Envelope) SetMeta(nodeID string, value interface{}) error {
	key := "node." + nodeID
	if e.Metas == nil {
		e.Metas = make(map[string]interface{})
	}
	if _, exists := e.Metas[key]; exists {
		return &ValidationError{Field: "metas", Message: fmt.Sprintf("duplicate meta key %q on this envelope", key)}
	}
	e.Metas[key] = value
	return nil
}

// AdvanceHop updates NodesCost and Timestamp for one hop (spec 3/8,
// invariant 1): nodes_cost accumulates the wall-clock span between the
// envelope's prior timestamp and now, then timestamp is refreshed to now.
func (e *Envelope) AdvanceHop(now time.Time) {
	e.NodesCost += now.Sub(e.Timestamp).Seconds()
	e.Timestamp = now
}

// Clone copies the envelope, mirroring the teacher's Envelope.Clone: the
// Raw buffer, the Objects slice and the Metas map are copied, but each
// Detection's Box, ID and nested Objects, and the Metas values, are
// shared with the original. Used by tests that need to mutate a copy
// without perturbing a shared fixture.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Raw != nil {
		raw := *e.Raw
		raw.Buffer = append([]byte(nil), e.Raw.Buffer...)
		clone.Raw = &raw
	}
	if e.Objects != nil {
		clone.Objects = append([]Detection(nil), e.Objects...)
	}
	if e.Metas != nil {
		clone.Metas = make(map[string]interface{}, len(e.Metas))
		for k, v := range e.Metas {
			clone.Metas[k] = v
		}
	}
	return &clone
}

// ToJSON serializes the envelope for transport.
func (e *Envelope) ToJSON() ([]byte, error) { return json.Marshal(e) }

// FromJSON deserializes an envelope received over the transport.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
