package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Interception modes accepted by Settings.Intercept.Mode.
const (
	// InterceptModePacket runs every chat frame through the interception
	// pipeline.
	InterceptModePacket = "packet"
	// InterceptModeBroadcast applies the coarse room broadcast filter only.
	InterceptModeBroadcast = "broadcast"
)

const (
	defaultHistoryCapacity    = 100
	defaultMaxFramesPerSecond = 40
	defaultMaxRoomMessages    = 1000
)

// Settings holds behavior knobs that operators tune per deployment.
type Settings struct {
	History   HistorySettings   `yaml:"history"`
	Intercept InterceptSettings `yaml:"intercept"`
	Transport TransportSettings `yaml:"transport"`
}

// HistorySettings controls the per-session chat transcript.
type HistorySettings struct {
	// Capacity is the number of entries kept per session before the oldest
	// entry is evicted.
	Capacity int `yaml:"capacity"`
}

// InterceptSettings selects how chat visibility is enforced.
type InterceptSettings struct {
	Mode string `yaml:"mode"`
}

// TransportSettings bounds websocket traffic.
type TransportSettings struct {
	MaxFramesPerSecond int `yaml:"max_frames_per_second"`
	MaxRoomMessages    int `yaml:"max_room_messages"`
}

// DefaultSettings returns the settings used when no file is configured.
func DefaultSettings() Settings {
	return Settings{
		History:   HistorySettings{Capacity: defaultHistoryCapacity},
		Intercept: InterceptSettings{Mode: InterceptModePacket},
		Transport: TransportSettings{
			MaxFramesPerSecond: defaultMaxFramesPerSecond,
			MaxRoomMessages:    defaultMaxRoomMessages,
		},
	}
}

// LoadSettings reads a YAML settings file layered over DefaultSettings.
// An empty path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultSettings(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	settings, err := ParseSettings(data)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings %s: %w", path, err)
	}
	return settings, nil
}

// ParseSettings decodes YAML settings over the defaults and validates them.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func ParseSettings(data []byte) (Settings, error) {
	settings := DefaultSettings()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&settings); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	settings.Intercept.Mode = strings.ToLower(strings.TrimSpace(settings.Intercept.Mode))
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate reports the first invalid value.
func (s Settings) Validate() error {
	if s.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be positive, got %d", s.History.Capacity)
	}
	switch s.Intercept.Mode {
	case InterceptModePacket, InterceptModeBroadcast:
	default:
		return fmt.Errorf("intercept.mode must be %q or %q, got %q", InterceptModePacket, InterceptModeBroadcast, s.Intercept.Mode)
	}
	if s.Transport.MaxFramesPerSecond <= 0 {
		return fmt.Errorf("transport.max_frames_per_second must be positive, got %d", s.Transport.MaxFramesPerSecond)
	}
	if s.Transport.MaxRoomMessages <= 0 {
		return fmt.Errorf("transport.max_room_messages must be positive, got %d", s.Transport.MaxRoomMessages)
	}
	return nil
}
