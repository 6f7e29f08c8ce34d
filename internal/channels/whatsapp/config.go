// Package whatsapp provides a WhatsApp channel adapter using whatsmeow.
package whatsapp

import (
	"fmt"
)

// Config holds WhatsApp adapter configuration.
type Config struct {
	// Enabled controls whether the WhatsApp adapter is active.
	Enabled bool `yaml:"enabled"`

	// SessionPath is the path to the SQLite database for device persistence.
	SessionPath string `yaml:"session_path"`

	// SendPresence controls whether composing indicators are sent.
	SendPresence bool `yaml:"send_presence"`

	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		SessionPath:  "~/.parley/whatsapp/session.db",
		SendPresence: true,
		EventBuffer:  100,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.SessionPath == "" {
		return fmt.Errorf("whatsapp: session_path is required")
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("whatsapp: event_buffer must not be negative")
	}

	return nil
}
