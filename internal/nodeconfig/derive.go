package nodeconfig

import (
	"fmt"

	"github.com/coral-run/node/internal/globalnodes"
)

// DeriveEndpoints fills in any receiver/sender endpoint left without an
// explicit topic or socket ports, consulting the shared global-nodes file
// (spec 4.2 point 2: "a node whose config omits an explicit topic or
// port derives one by consulting the shared registry, assigning a fresh
// one on first use"). Endpoints that already carry a topic and both
// ports are left untouched, and fields set explicitly are never
// overwritten.
func DeriveEndpoints(cfg *Config, store *globalnodes.Store) error {
	for i := range cfg.Meta.Receivers {
		if err := deriveEndpoint(&cfg.Meta.Receivers[i], store); err != nil {
			return fmt.Errorf("nodeconfig: receiver %d: %w", i, err)
		}
	}
	if cfg.Meta.Sender != nil {
		if err := deriveEndpoint(cfg.Meta.Sender, store); err != nil {
			return fmt.Errorf("nodeconfig: sender: %w", err)
		}
	}
	return nil
}

func deriveEndpoint(ep *Endpoint, store *globalnodes.Store) error {
	if ep.Topic != "" && ep.SocketSubPort != 0 && ep.SocketPubPort != 0 {
		return nil
	}
	if ep.NodeID == "" {
		return fmt.Errorf("endpoint lacks a topic or socket port and has no node_id to derive one from")
	}
	defaultTopic := fmt.Sprintf("/%s_%s_%s", ep.NodeID, ep.RawType, ep.Mware)
	entry, err := store.EnsureAssignment(ep.NodeID, defaultTopic)
	if err != nil {
		return err
	}
	if ep.Topic == "" {
		ep.Topic = entry.Topic
	}
	if ep.SocketSubPort == 0 {
		ep.SocketSubPort = entry.SocketSubPort
	}
	if ep.SocketPubPort == 0 {
		ep.SocketPubPort = entry.SocketPubPort
	}
	return nil
}
