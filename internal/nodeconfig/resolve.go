package nodeconfig

import (
	"encoding/base64"
	"fmt"
	"os"
)

// Environment variable names a node process consults to locate its
// configuration document (spec 6). Named here as constants rather than
// scattering literals, following the teacher's public/agent/config.go
// pattern of centralizing its AGEN_* env names.
const (
	EnvConfigPath   = "CORAL_NODE_CONFIG_PATH"
	EnvConfigBase64 = "CORAL_NODE_BASE64_DATA"
)

// Resolve loads and parses this process's node configuration following
// the precedence spec 6 establishes: an inline base64-encoded document
// (CORAL_NODE_BASE64_DATA) takes priority over a file path
// (CORAL_NODE_CONFIG_PATH), mirroring the teacher's
// StandardConfigResolver chain of "most explicit override wins first".
func Resolve() (*Config, error) {
	if encoded := os.Getenv(EnvConfigBase64); encoded != "" {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("nodeconfig: failed to decode %s: %w", EnvConfigBase64, err)
		}
		return Parse(data)
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("nodeconfig: failed to read config file %s: %w", path, err)
		}
		return Parse(data)
	}
	return nil, fmt.Errorf("nodeconfig: neither %s nor %s is set", EnvConfigBase64, EnvConfigPath)
}
