package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coral-run/node/internal/envelope"
	"github.com/rs/zerolog"
)

// Client is a node's connection to the transport service. Grounded on
// the teacher's internal/client/broker.go request/response correlation
// pattern, trimmed to the pull-based register/activate/send/receive
// contract spec 4.3 describes -- there is no async push listener here,
// every operation is a plain JSON-RPC call-and-wait.
type Client struct {
	addr   string
	nodeID string
	log    zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	nextID  int64
}

// NewClient creates a client bound to a node ID; call Connect before use.
func NewClient(addr, nodeID string, log zerolog.Logger) *Client {
	return &Client{addr: addr, nodeID: nodeID, log: log}
}

// Connect dials the broker and performs the connect handshake.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("transport: failed to connect to %s: %w", c.addr, err)
	}
	c.conn = conn
	c.encoder = json.NewEncoder(conn)
	c.decoder = json.NewDecoder(conn)

	if _, err := c.callLocked("connect", map[string]interface{}{"node_id": c.nodeID}); err != nil {
		conn.Close()
		c.conn, c.encoder, c.decoder = nil, nil, nil
		return fmt.Errorf("transport: connect handshake failed: %w", err)
	}
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.encoder, c.decoder = nil, nil, nil
	return err
}

// call performs one JSON-RPC round trip. Every transport operation is
// strictly request-then-response on the same connection, so a single
// mutex serializes calls rather than needing response correlation
// channels like the teacher's async client does.
func (c *Client) call(method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(method, params)
}

func (c *Client) callLocked(method string, params interface{}) (json.RawMessage, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("transport: not connected")
	}
	c.nextID++
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to marshal params: %w", err)
	}
	req := request{ID: fmt.Sprintf("req-%d", c.nextID), Method: method, Params: paramsBytes}
	if err := c.encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("transport: failed to send request: %w", err)
	}

	var resp response
	if err := c.decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("transport: failed to read response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("transport: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	return json.Marshal(resp.Result)
}

// RegisterPublisher declares intent to send on topic (spec 4.3).
func (c *Client) RegisterPublisher(topic string) error {
	_, err := c.call("register_publisher", map[string]interface{}{"topic": topic})
	return err
}

// RegisterSubscriber declares intent to receive on topic.
func (c *Client) RegisterSubscriber(topic string) error {
	_, err := c.call("register_subscriber", map[string]interface{}{"topic": topic})
	return err
}

// Activate finalizes registration for handle against mode, mirroring
// spec 4.3's activate(handle, mode) step that follows
// register_publisher/register_subscriber. mode is one of "publish",
// "listen", "reply", or "request"; the broker rejects any other value
// and records it against handle. The broker does not require activation
// before send/receive, and whether a send/receive uses a pipe or a topic
// is decided by that call's carrier, not by the recorded mode.
func (c *Client) Activate(handle, mode string) error {
	_, err := c.call("activate", map[string]interface{}{"handle": handle, "mode": mode})
	return err
}

// Send publishes env on topic, or on a point-to-point pipe when carrier
// is "pipe" (the reply-mode sender path).
func (c *Client) Send(carrier, topic string, env *envelope.Envelope) error {
	_, err := c.call("send", map[string]interface{}{"carrier": carrier, "topic": topic, "envelope": env})
	return err
}

// Receive fetches the next envelope for topic. When blocking is false
// and nothing is queued, it returns (nil, false, nil) rather than
// erroring -- the caller sees the #no_recevier# sentinel collapsed into
// an ok=false result. When blocking is true it waits up to timeout, or
// up to the service's 5s default when timeout is 0.
func (c *Client) Receive(carrier, topic string, blocking bool, timeout time.Duration) (*envelope.Envelope, bool, error) {
	params := map[string]interface{}{"carrier": carrier, "topic": topic, "blocking": blocking}
	if timeout > 0 {
		params["timeout_ms"] = timeout.Milliseconds()
	}
	raw, err := c.call("receive", params)
	if err != nil {
		return nil, false, err
	}

	var sentinel string
	if err := json.Unmarshal(raw, &sentinel); err == nil && sentinel == NoReceiver {
		return nil, false, nil
	}

	env, err := envelope.FromJSON(raw)
	if err != nil {
		return nil, false, fmt.Errorf("transport: failed to decode received envelope: %w", err)
	}
	return env, true, nil
}
