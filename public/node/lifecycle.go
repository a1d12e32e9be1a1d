package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coral-run/node/internal/transport"
)

// Connect dials the transport service and registers this node's
// receivers and sender, activating each before the dispatch loop starts
// (spec 4.3: register_publisher/register_subscriber followed by
// activate). Call once before Run.
func (n *Node) Connect(transportAddr string) error {
	client := transport.NewClient(transportAddr, n.Config.NodeID, n.log)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("node: failed to connect to transport: %w", err)
	}

	for _, recv := range n.Config.Meta.Receivers {
		if err := client.RegisterSubscriber(recv.Topic); err != nil {
			return fmt.Errorf("node: failed to register subscriber on %s: %w", recv.Topic, err)
		}
		mode := "listen"
		if recv.Carrier == "pipe" {
			mode = "request"
		}
		if err := client.Activate(recv.Topic, mode); err != nil {
			return fmt.Errorf("node: failed to activate receiver %s: %w", recv.Topic, err)
		}
	}
	if n.Config.Meta.Sender != nil {
		if err := client.RegisterPublisher(n.Config.Meta.Sender.Topic); err != nil {
			return fmt.Errorf("node: failed to register publisher on %s: %w", n.Config.Meta.Sender.Topic, err)
		}
		mode := "publish"
		if n.Config.Meta.Sender.Carrier == "pipe" {
			mode = "reply"
		}
		if err := client.Activate(n.Config.Meta.Sender.Topic, mode); err != nil {
			return fmt.Errorf("node: failed to activate sender %s: %w", n.Config.Meta.Sender.Topic, err)
		}
	}

	n.transport = client
	return nil
}

// Serve runs the full node lifecycle, matching the teacher's
// AgentFramework.Run convenience function: connect, dispatch until a
// shutdown signal arrives, then disconnect cleanly.
func Serve(n *Node, transportAddr string) error {
	if err := n.Connect(transportAddr); err != nil {
		return err
	}
	defer n.transport.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		n.log.Info().Str("signal", sig.String()).Msg("node: shutdown signal received")
		cancel()
	}()

	return n.Run(ctx)
}
