// Package metrics implements the node-local metrics exporter (spec 4.6):
// per-node counters and histograms recorded through OpenTelemetry's
// metric API, periodically flushed out-of-band over MQTT rather than
// scraped, so the pipeline's observability traffic never competes with
// frame traffic on the same topics.
//
// Grounded on:
//   - go.opentelemetry.io/otel/metric for the counter/histogram
//     instruments (named in SPEC_FULL.md's domain stack against the
//     teacher's own otel/metric dependency).
//   - github.com/eclipse/paho.mqtt.golang for the publish side, in the
//     style of dyuri-mqtt2irc's internal/mqtt/client.go (connect options,
//     reconnect handling, logger-backed connection callbacks).
//   - github.com/spf13/viper for loading the broker credentials file
//     pointed to by CORAL_COMMON_CONFIG_PATH, the way dyuri-mqtt2irc
//     loads its own broker config.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"
)

// BrokerCredentials is the shape of the shared MQTT config file pointed
// to by CORAL_COMMON_CONFIG_PATH (spec 4.6).
type BrokerCredentials struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
}

// LoadBrokerCredentials reads the broker credentials file at path using
// viper, so any of JSON/YAML/TOML is accepted the way viper's format
// auto-detection does for dyuri-mqtt2irc's own config loading.
func LoadBrokerCredentials(path string) (*BrokerCredentials, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("metrics: failed to read broker credentials at %s: %w", path, err)
	}
	var creds BrokerCredentials
	if err := v.Unmarshal(&creds); err != nil {
		return nil, fmt.Errorf("metrics: failed to parse broker credentials: %w", err)
	}
	return &creds, nil
}

// Snapshot is the payload published over MQTT each export tick.
type Snapshot struct {
	NodeID             string             `json:"node_id"`
	ProcessFramesCount int64              `json:"process_frames_count"`
	DropFramesCount    map[string]int64   `json:"drop_frames_count"`
	ProcessFramesCost  []float64          `json:"process_frames_cost"`
	PendingFramesCost  []float64          `json:"pendding_frames_cost"`
	Timestamp          time.Time          `json:"timestamp"`
}

// Exporter records counters/histograms and periodically flushes a
// Snapshot over MQTT. When disabled (generic.enable_metrics = false in
// the node config), every recording method is a no-op (spec 4.6:
// "a no-op switch that disables all recording overhead").
type Exporter struct {
	enabled bool
	nodeID  string
	log     zerolog.Logger
	topic   string

	meter            metric.Meter
	processFrames    metric.Int64Counter
	dropFrames       metric.Int64Counter
	processFrameCost metric.Float64Histogram
	pendingFrameCost metric.Float64Histogram

	mu                sync.Mutex
	processFramesSeen int64
	dropFramesSeen    map[string]int64
	processCostSeen   []float64
	pendingCostSeen   []float64

	client mqtt.Client
}

// NewExporter builds an Exporter. If enabled is false, the returned
// Exporter still satisfies the same interface but every call is a no-op
// and no MQTT connection is attempted.
func NewExporter(enabled bool, nodeID, topic string, meter metric.Meter, log zerolog.Logger) (*Exporter, error) {
	e := &Exporter{
		enabled:        enabled,
		nodeID:         nodeID,
		topic:          topic,
		log:            log,
		meter:          meter,
		dropFramesSeen: make(map[string]int64),
	}
	if !enabled {
		return e, nil
	}

	var err error
	if e.processFrames, err = meter.Int64Counter("process_frames_count"); err != nil {
		return nil, fmt.Errorf("metrics: failed to create process_frames_count counter: %w", err)
	}
	if e.dropFrames, err = meter.Int64Counter("drop_frames_count"); err != nil {
		return nil, fmt.Errorf("metrics: failed to create drop_frames_count counter: %w", err)
	}
	if e.processFrameCost, err = meter.Float64Histogram("process_frames_cost"); err != nil {
		return nil, fmt.Errorf("metrics: failed to create process_frames_cost histogram: %w", err)
	}
	if e.pendingFrameCost, err = meter.Float64Histogram("pendding_frames_cost"); err != nil {
		return nil, fmt.Errorf("metrics: failed to create pendding_frames_cost histogram: %w", err)
	}
	return e, nil
}

// Connect dials the MQTT broker described by creds. No-op when disabled.
func (e *Exporter) Connect(creds *BrokerCredentials) error {
	if !e.enabled {
		return nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", creds.Host, creds.Port))
	opts.SetClientID(creds.ClientID)
	if creds.Username != "" {
		opts.SetUsername(creds.Username)
		opts.SetPassword(creds.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		e.log.Info().Str("node_id", e.nodeID).Msg("metrics exporter connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		e.log.Warn().Err(err).Msg("metrics exporter lost broker connection")
	})

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("metrics: timed out connecting to broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("metrics: failed to connect to broker: %w", err)
	}
	return nil
}

// RecordProcessedFrame records one successfully processed frame and its
// cost in seconds.
func (e *Exporter) RecordProcessedFrame(ctx context.Context, costSeconds float64) {
	if !e.enabled {
		return
	}
	e.processFrames.Add(ctx, 1)
	e.processFrameCost.Record(ctx, costSeconds)
	e.mu.Lock()
	e.processFramesSeen++
	e.processCostSeen = append(e.processCostSeen, costSeconds)
	e.mu.Unlock()
}

// RecordDroppedFrame records one dropped frame, tagged by the reason it
// was dropped (spec 4.5's admission/sender-error drop actions).
func (e *Exporter) RecordDroppedFrame(ctx context.Context, action string) {
	if !e.enabled {
		return
	}
	e.dropFrames.Add(ctx, 1, metric.WithAttributes())
	e.mu.Lock()
	e.dropFramesSeen[action]++
	e.mu.Unlock()
}

// RecordPendingCost records a frame's per-hop latency: the time between
// the envelope's timestamp (its last send) and its receipt by this node.
func (e *Exporter) RecordPendingCost(ctx context.Context, costSeconds float64) {
	if !e.enabled {
		return
	}
	e.pendingFrameCost.Record(ctx, costSeconds)
	e.mu.Lock()
	e.pendingCostSeen = append(e.pendingCostSeen, costSeconds)
	e.mu.Unlock()
}

// Run periodically publishes a Snapshot until ctx is cancelled. No-op
// when disabled.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	if !e.enabled {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishSnapshot()
		}
	}
}

func (e *Exporter) publishSnapshot() {
	e.mu.Lock()
	snap := Snapshot{
		NodeID:             e.nodeID,
		ProcessFramesCount: e.processFramesSeen,
		DropFramesCount:    copyCounts(e.dropFramesSeen),
		ProcessFramesCost:  append([]float64(nil), e.processCostSeen...),
		PendingFramesCost:  append([]float64(nil), e.pendingCostSeen...),
		Timestamp:          time.Now(),
	}
	e.processCostSeen = nil
	e.pendingCostSeen = nil
	e.mu.Unlock()

	if e.client == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		e.log.Warn().Err(err).Msg("metrics: failed to marshal snapshot")
		return
	}
	token := e.client.Publish(e.topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		e.log.Warn().Msg("metrics: timed out publishing snapshot")
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
