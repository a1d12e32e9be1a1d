package nodeconfig

import (
	"fmt"

	"github.com/coral-run/node/internal/registry"
)

// ValidationError names the offending field, matching
// internal/envelope.ValidationError's shape so callers can treat config
// and envelope validation failures uniformly.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// Validate checks a resolved, derived Config against the process's type
// registries (spec 4.1/4.2): every receiver and sender raw_type must be
// registered and ride on a wire type the transport adapter supports; a
// sender requires a registered return type; mode must be one this
// process recognizes.
func Validate(cfg *Config, data *registry.DataRegistry, params *registry.ParamsRegistry, ret *registry.ReturnRegistry) error {
	switch cfg.Meta.Mode {
	case ModePubSub, ModeReply:
	default:
		return &ValidationError{Field: "meta.mode", Message: fmt.Sprintf("unrecognized mode %q", cfg.Meta.Mode)}
	}

	for i, recv := range cfg.Meta.Receivers {
		if _, ok := data.Lookup(recv.RawType); !ok {
			return &ValidationError{Field: fmt.Sprintf("meta.receivers[%d].raw_type", i), Message: fmt.Sprintf("raw type %q is not registered", recv.RawType)}
		}
	}

	if cfg.Meta.Sender != nil {
		if _, ok := data.Lookup(cfg.Meta.Sender.RawType); !ok {
			return &ValidationError{Field: "meta.sender.raw_type", Message: fmt.Sprintf("raw type %q is not registered", cfg.Meta.Sender.RawType)}
		}
		if ret.Count() == 0 {
			return &ValidationError{Field: "meta.sender", Message: "node declares a sender but has registered no return type"}
		}
	}

	if len(cfg.Params) > 0 && params.Count() == 0 {
		return &ValidationError{Field: "params", Message: "config supplies params but the node has registered no params type"}
	}

	return nil
}
