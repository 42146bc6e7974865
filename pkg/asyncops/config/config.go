// Package config loads and validates asyncops settings from YAML or JSON.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so settings files can use strings like
// "30s" or "5m" in either YAML or JSON.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON serializes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// MarshalYAML serializes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// BusSettings configures the event bus.
type BusSettings struct {
	// Workers is the number of dispatch workers.
	Workers int `yaml:"workers" json:"workers"`

	// QueueCapacity is the dispatch queue size.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// HistorySize caps the retained event history.
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// QueueSettings configures the operation queue.
type QueueSettings struct {
	// MaxConcurrent bounds simultaneously running operations.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// Capacity is the admission queue size.
	Capacity int `yaml:"capacity" json:"capacity"`

	// TerminalRetention caps retained terminal results.
	TerminalRetention int `yaml:"terminal_retention" json:"terminal_retention"`

	// DefaultTimeout applies to submissions without an explicit timeout;
	// zero leaves them unbounded.
	DefaultTimeout Duration `yaml:"default_timeout" json:"default_timeout"`
}

// StreamSettings configures progress streaming.
type StreamSettings struct {
	// Buffer is the per-subscriber channel capacity.
	Buffer int `yaml:"buffer" json:"buffer"`
}

// Settings is the full asyncops configuration.
type Settings struct {
	Bus    BusSettings    `yaml:"bus" json:"bus"`
	Queue  QueueSettings  `yaml:"queue" json:"queue"`
	Stream StreamSettings `yaml:"stream" json:"stream"`
}

// Default returns the settings used when a field is omitted.
func Default() Settings {
	return Settings{
		Bus: BusSettings{
			Workers:       4,
			QueueCapacity: 1024,
			HistorySize:   1000,
		},
		Queue: QueueSettings{
			MaxConcurrent:     4,
			Capacity:          256,
			TerminalRetention: 1000,
		},
		Stream: StreamSettings{
			Buffer: 64,
		},
	}
}

// ApplyDefaults fills zero-valued fields from Default.
func (s *Settings) ApplyDefaults() {
	def := Default()
	if s.Bus.Workers <= 0 {
		s.Bus.Workers = def.Bus.Workers
	}
	if s.Bus.QueueCapacity <= 0 {
		s.Bus.QueueCapacity = def.Bus.QueueCapacity
	}
	if s.Bus.HistorySize <= 0 {
		s.Bus.HistorySize = def.Bus.HistorySize
	}
	if s.Queue.MaxConcurrent <= 0 {
		s.Queue.MaxConcurrent = def.Queue.MaxConcurrent
	}
	if s.Queue.Capacity <= 0 {
		s.Queue.Capacity = def.Queue.Capacity
	}
	if s.Queue.TerminalRetention <= 0 {
		s.Queue.TerminalRetention = def.Queue.TerminalRetention
	}
	if s.Stream.Buffer <= 0 {
		s.Stream.Buffer = def.Stream.Buffer
	}
}

// Validate rejects settings that defaults cannot repair.
func (s Settings) Validate() error {
	if s.Bus.Workers < 0 {
		return fmt.Errorf("bus.workers must not be negative, got %d", s.Bus.Workers)
	}
	if s.Queue.MaxConcurrent < 0 {
		return fmt.Errorf("queue.max_concurrent must not be negative, got %d", s.Queue.MaxConcurrent)
	}
	if s.Queue.DefaultTimeout < 0 {
		return fmt.Errorf("queue.default_timeout must not be negative, got %s", s.Queue.DefaultTimeout.Std())
	}
	return nil
}
