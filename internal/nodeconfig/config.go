// Package nodeconfig implements the per-node configuration model (spec
// 4.2): parsing the node's config document (JSON, XML, or YAML, from a
// file or an inline base64 payload), deriving the concrete transport
// endpoints each receiver/sender binds to, and validating the whole tree
// against the type registries built at program init.
//
// Grounded on the teacher's public/agent/config.go StandardConfigResolver
// (source precedence chain) and internal/config/config.go (yaml struct
// tree shape), generalized from cellorg's agent/pool/cell documents to
// coral's single-node process/meta/generic tree.
package nodeconfig

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects how a node's receivers/sender are wired.
type Mode string

const (
	// ModePubSub is the default: receivers subscribe to topics, the
	// sender publishes to its own topic, nobody waits for a reply.
	ModePubSub Mode = "pubsub"
	// ModeReply is accepted by Validate, but the node runtime drives it
	// exactly like ModePubSub: no sender is switched to a point-to-point
	// pipe by the mode. Pipes are selected per endpoint by carrier "pipe".
	ModeReply Mode = "reply"
)

// Endpoint describes one receiver or sender connection point.
type Endpoint struct {
	NodeID        string                 `json:"node_id" yaml:"node_id" xml:"node_id"`
	RawType       string                 `json:"raw_type" yaml:"raw_type" xml:"raw_type"`
	Mware         string                 `json:"mware" yaml:"mware" xml:"mware"`
	Topic         string                 `json:"topic,omitempty" yaml:"topic,omitempty" xml:"topic,omitempty"`
	Carrier       string                 `json:"carrier,omitempty" yaml:"carrier,omitempty" xml:"carrier,omitempty"`
	Blocking      bool                   `json:"blocking" yaml:"blocking" xml:"blocking"`
	SocketSubPort int                    `json:"socket_sub_port,omitempty" yaml:"socket_sub_port,omitempty" xml:"socket_sub_port,omitempty"`
	SocketPubPort int                    `json:"socket_pub_port,omitempty" yaml:"socket_pub_port,omitempty" xml:"socket_pub_port,omitempty"`
	Params        map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty" xml:"-"`
}

// ProcessConfig controls the worker pool and admission policy (spec 4.5).
type ProcessConfig struct {
	MaxQSize       int  `json:"max_qsize" yaml:"max_qsize" xml:"max_qsize"`
	Count          int  `json:"count" yaml:"count" xml:"count"`
	EnableParallel bool `json:"enable_parallel" yaml:"enable_parallel" xml:"enable_parallel"`
}

// MetaConfig describes how this node connects to its neighbors.
type MetaConfig struct {
	Mode      Mode       `json:"mode" yaml:"mode" xml:"mode"`
	Receivers []Endpoint `json:"receivers" yaml:"receivers" xml:"receivers>receiver"`
	Sender    *Endpoint  `json:"sender,omitempty" yaml:"sender,omitempty" xml:"sender,omitempty"`
}

// GenericConfig holds cross-cutting toggles that aren't specific to any
// one node kind: spec 4.6's "generic.enable_metrics" switch, and spec
// 4.5 step 3's per-source frame-skip factor.
type GenericConfig struct {
	EnableMetrics bool `json:"enable_metrics" yaml:"enable_metrics" xml:"enable_metrics"`
	SkipFrame     int  `json:"skip_frame" yaml:"skip_frame" xml:"skip_frame"`
}

// Config is the full per-node document (spec 4.2).
type Config struct {
	PipelineID string                 `json:"pipeline_id" yaml:"pipeline_id" xml:"pipeline_id"`
	NodeID     string                 `json:"node_id" yaml:"node_id" xml:"node_id"`
	Process    ProcessConfig          `json:"process" yaml:"process" xml:"process"`
	Meta       MetaConfig             `json:"meta" yaml:"meta" xml:"meta"`
	Generic    GenericConfig          `json:"generic" yaml:"generic" xml:"generic"`
	Params     map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty" xml:"-"`
}

// xmlConfig mirrors Config but swaps in a serializable Params
// representation, since encoding/xml cannot marshal map[string]interface{}
// directly the way encoding/json can.
type xmlConfig struct {
	XMLName    xml.Name      `xml:"config"`
	PipelineID string        `xml:"pipeline_id"`
	NodeID     string        `xml:"node_id"`
	Process    ProcessConfig `xml:"process"`
	Meta       MetaConfig    `xml:"meta"`
	Generic    GenericConfig `xml:"generic"`
}

// Parse decodes a node config document. The format is detected from the
// first non-whitespace byte: '<' is treated as XML, '{' or '[' as JSON
// (spec 4.2 point 1: "the document may be JSON or XML"); anything else
// is treated as YAML, the format coral's pipeline topology documents use
// and that node configs may be authored in directly rather than only
// generated as JSON.
func Parse(data []byte) (*Config, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("nodeconfig: empty configuration document")
	}
	switch trimmed[0] {
	case '<':
		return parseXML(data)
	case '{', '[':
		return parseJSON(data)
	default:
		return parseYAML(data)
	}
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("nodeconfig: failed to parse JSON document: %w", err)
	}
	return &cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("nodeconfig: failed to parse YAML document: %w", err)
	}
	return &cfg, nil
}

func parseXML(data []byte) (*Config, error) {
	var x xmlConfig
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("nodeconfig: failed to parse XML document: %w", err)
	}
	cfg := Config{
		PipelineID: x.PipelineID,
		NodeID:     x.NodeID,
		Process:    x.Process,
		Meta:       x.Meta,
		Generic:    x.Generic,
	}
	return &cfg, nil
}
