package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dario.cat/mergo"

	"github.com/zelan-stream/zelan/pkg/models"
)

// Built-in per-record defaults. Merged into every process spec; a field the
// file sets explicitly wins.
var processDefaults = models.ProcessSpec{
	MaxRestarts:       3,
	RestartWindowS:    60,
	GracefulTimeoutMS: 5000,
}

// ValidationError describes a rejected config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// LoadProcessConfig reads the per-node process-config file: a JSON object
// mapping process id → spec. Defaults are merged into each entry and the
// result is validated. Called at startup and again on SIGHUP.
func LoadProcessConfig(path string) (map[string]models.ProcessSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process config: %w", err)
	}
	return ParseProcessConfig(data)
}

// ParseProcessConfig parses and validates process-config JSON.
func ParseProcessConfig(data []byte) (map[string]models.ProcessSpec, error) {
	var raw map[string]models.ProcessSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse process config: %w", err)
	}

	specs := make(map[string]models.ProcessSpec, len(raw))
	for id, spec := range raw {
		if id == "" {
			return nil, &ValidationError{Field: "id", Message: "must not be empty"}
		}
		if err := mergo.Merge(&spec, processDefaults); err != nil {
			return nil, fmt.Errorf("merge defaults for %q: %w", id, err)
		}
		if err := validateSpec(id, &spec); err != nil {
			return nil, err
		}
		specs[id] = spec
	}
	return specs, nil
}

func validateSpec(id string, spec *models.ProcessSpec) error {
	if spec.Command == "" {
		return &ValidationError{Field: id + ".command", Message: "must not be empty"}
	}
	if spec.MaxRestarts < 0 {
		return &ValidationError{Field: id + ".max_restarts", Message: "must not be negative"}
	}
	if spec.RestartWindowS <= 0 {
		return &ValidationError{Field: id + ".restart_window", Message: "must be positive"}
	}
	for _, port := range spec.Ports {
		if port <= 0 || port > 65535 {
			return &ValidationError{Field: id + ".ports", Message: fmt.Sprintf("port %d out of range", port)}
		}
	}
	if hc := spec.HealthCheck; hc != nil {
		switch hc.Kind {
		case models.HealthCheckNone, "":
		case models.HealthCheckHTTP:
			if hc.URL == "" {
				return &ValidationError{Field: id + ".health_check.url", Message: "required for http checks"}
			}
		case models.HealthCheckTCP:
			if hc.Addr == "" {
				return &ValidationError{Field: id + ".health_check.addr", Message: "required for tcp checks"}
			}
		default:
			return &ValidationError{Field: id + ".health_check.kind", Message: fmt.Sprintf("unknown kind %q", hc.Kind)}
		}
		if hc.IntervalS <= 0 {
			hc.IntervalS = 10
		}
		if hc.TimeoutS <= 0 {
			hc.TimeoutS = 3
		}
	}
	return nil
}
