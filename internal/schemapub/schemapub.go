// Package schemapub implements the schema publisher (spec 4.7): a
// one-shot HTTP POST of a node's declared params/return schema to a
// pipeline registry, run when the process is invoked in registration
// mode rather than as a long-running node.
//
// Grounded on the teacher's internal/storage/client.go HTTPClient (the
// http.Client-with-base-URL shape); the graph/KV/batch operations that
// surrounded it in the teacher belong to a document-store agent that has
// no equivalent in a CV-inference pipeline and were not carried forward
// (see DESIGN.md).
package schemapub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coral-run/node/internal/nodeconfig"
)

// Publisher posts a node's schema to a registry endpoint.
type Publisher struct {
	registerURL string
	httpClient  *http.Client
}

// New creates a Publisher that posts against registerURL, e.g.
// "https://registry.example.com".
func New(registerURL string) *Publisher {
	return &Publisher{
		registerURL: registerURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// registerBody is the JSON schema extended with the node's image
// reference (spec 4.7: "HTTP-POSTs the schema (including the image
// reference)"; spec 6: "body = JSON schema extended with {image}").
type registerBody struct {
	*nodeconfig.Schema
	Image string `json:"image"`
}

// Register posts schema (extended with image) to
// {registerURL}/api/v1/node/{name}/{version} (spec 4.7). A non-2xx
// response is treated as failure, matching the spec's "non-zero exit on
// HTTP failure" requirement for the calling cmd/example-node
// registration path.
func (p *Publisher) Register(name, version, image string, schema *nodeconfig.Schema) error {
	body, err := json.Marshal(registerBody{Schema: schema, Image: image})
	if err != nil {
		return fmt.Errorf("schemapub: failed to marshal schema: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/node/%s/%s", p.registerURL, name, version)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("schemapub: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("schemapub: request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("schemapub: registration at %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
