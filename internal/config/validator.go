package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError is one problem found in the configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult collects errors and warnings.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateManager(&cfg.Manager, result)
	validateLogging(&cfg.Logging, result)
	validateJournal(&cfg.Journal, result)
	validateMQTT(&cfg.MQTT, result)
	validateAPI(&cfg.API, result)

	return result
}

func validateManager(m *ManagerConfig, result *ValidationResult) {
	if strings.TrimSpace(m.Host) == "" {
		result.AddError("manager.host", "manager host is required")
	}
	validatePort(m.Port, "manager.port", result)

	if strings.TrimSpace(m.Username) == "" {
		result.AddError("manager.username", "manager username is required")
	}
	if strings.TrimSpace(m.Secret) == "" {
		result.AddError("manager.secret", "manager secret is required")
	}

	if m.PollTimeoutMs < 0 {
		result.AddError("manager.poll_timeout_ms", "poll timeout cannot be negative")
	}
	if m.ResponseTimeoutSec < 0 {
		result.AddError("manager.response_timeout_sec", "response timeout cannot be negative")
	}
	if m.ResponseTimeoutSec == 0 {
		result.AddWarning("manager.response_timeout_sec",
			"response timeout of 0 makes bridge requests wait forever")
	}
	if m.KeepaliveIntervalSec > 0 && m.KeepaliveIntervalSec < 5 {
		result.AddWarning("manager.keepalive_interval_sec",
			"keepalive interval less than 5s adds needless manager traffic")
	}

	if m.BufferSize < 256 {
		result.AddError("manager.buffer_size", "buffer size must be at least 256 bytes")
	}
	if m.MaxHeaders < 8 {
		result.AddError("manager.max_headers", "max headers must be at least 8")
	}
	if m.MaxEventHandlers < 2 {
		result.AddError("manager.max_event_handlers", "the bridge needs at least 2 handler slots")
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	switch strings.ToLower(l.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		result.AddError("logging.level", fmt.Sprintf("unknown log level %q", l.Level))
	}
}

func validateJournal(j *JournalConfig, result *ValidationResult) {
	if !j.Enabled {
		return
	}
	if strings.TrimSpace(j.Path) == "" {
		result.AddError("journal.path", "journal path is required when enabled")
	}
	if j.RetentionDays < 1 {
		result.AddError("journal.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", j.PruneTime); err != nil {
		result.AddError("journal.prune_time", fmt.Sprintf("invalid time %q (expected HH:MM)", j.PruneTime))
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddWarning("mqtt.topic_prefix", "empty topic prefix publishes to the broker root")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.RateLimitRPS < 0 {
		result.AddError("api.rate_limit_rps", "rate limit cannot be negative")
	}
	if a.Token == "" && a.Listen != "127.0.0.1" && a.Listen != "localhost" {
		result.AddWarning("api.token",
			"API listens beyond loopback without a token, anyone can send manager actions")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
	}
}
