package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coral-run/node/internal/envelope"
	"github.com/rs/zerolog"
)

// freeAddr reserves an OS-chosen ephemeral port the same way
// internal/globalnodes does, then releases it so Service.Start can bind
// it moments later.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func startTestService(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	svc := NewService(addr, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	return addr
}

func TestActivateRejectsUnknownMode(t *testing.T) {
	addr := startTestService(t)
	c := NewClient(addr, "node-a", zerolog.Nop())
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	if err := c.RegisterPublisher("topic-a"); err != nil {
		t.Fatalf("register publisher failed: %v", err)
	}
	if err := c.Activate("topic-a", "bogus-mode"); err == nil {
		t.Fatalf("expected an unknown activate mode to be rejected")
	}
}

func TestActivatePublishListenRoundTrip(t *testing.T) {
	addr := startTestService(t)

	pub := NewClient(addr, "publisher", zerolog.Nop())
	if err := pub.Connect(); err != nil {
		t.Fatalf("publisher connect failed: %v", err)
	}
	defer pub.Disconnect()
	if err := pub.RegisterPublisher("topic-a"); err != nil {
		t.Fatalf("register publisher failed: %v", err)
	}
	if err := pub.Activate("topic-a", "publish"); err != nil {
		t.Fatalf("activate publish failed: %v", err)
	}

	sub := NewClient(addr, "subscriber", zerolog.Nop())
	if err := sub.Connect(); err != nil {
		t.Fatalf("subscriber connect failed: %v", err)
	}
	defer sub.Disconnect()
	if err := sub.RegisterSubscriber("topic-a"); err != nil {
		t.Fatalf("register subscriber failed: %v", err)
	}
	if err := sub.Activate("topic-a", "listen"); err != nil {
		t.Fatalf("activate listen failed: %v", err)
	}

	env := envelope.New("publisher")
	if err := pub.Send("", "topic-a", env); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	got, ok, err := sub.Receive("", "topic-a", true, time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !ok || got.RawID != env.RawID {
		t.Fatalf("expected to receive the sent envelope, got %+v (ok=%v)", got, ok)
	}
}
