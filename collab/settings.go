package collab

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tailscale/hujson"
)

type Settings struct {
	// debounce between the last edit and the save
	SaveDelay time.Duration
	// storage poll interval for external changes. Zero disables the watcher.
	PollInterval time.Duration
	// delay between the last session leaving and the room being destroyed.
	// Zero disables cleanup, an empty room is kept indefinitely.
	CleanupDelay time.Duration
	// how long an uncleanly closed session keeps its slot
	RecoveryTimeout time.Duration
	// consecutive failed saves retried before waiting for the next edit
	MaxSaveRetries int
	MaxSaveBackoff time.Duration
	// consecutive malformed frames tolerated before the connection is closed
	MaxFrameErrors int

	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int

	Clock clock.Clock
}

func DefaultSettings() *Settings {
	return &Settings{
		SaveDelay:       1 * time.Second,
		PollInterval:    1 * time.Second,
		CleanupDelay:    60 * time.Second,
		RecoveryTimeout: 30 * time.Second,
		MaxSaveRetries:  5,
		MaxSaveBackoff:  30 * time.Second,
		MaxFrameErrors:  8,
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     30 * time.Second,
		PingTimeout:     10 * time.Second,
		SendBufferSize:  1024,
		Clock:           clock.New(),
	}
}

// file form of the settings. Durations are `time.ParseDuration` strings.
type settingsFile struct {
	SaveDelay       *string `json:"save_delay"`
	PollInterval    *string `json:"poll_interval"`
	CleanupDelay    *string `json:"cleanup_delay"`
	RecoveryTimeout *string `json:"recovery_timeout"`
	MaxSaveRetries  *int    `json:"max_save_retries"`
	MaxSaveBackoff  *string `json:"max_save_backoff"`
	MaxFrameErrors  *int    `json:"max_frame_errors"`
	WriteTimeout    *string `json:"write_timeout"`
	ReadTimeout     *string `json:"read_timeout"`
	PingTimeout     *string `json:"ping_timeout"`
	SendBufferSize  *int    `json:"send_buffer_size"`
}

// LoadSettingsFile reads a JWCC (json with comments and trailing commas) settings file
// and overlays it on the defaults.
func LoadSettingsFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSettings(data)
}

func ParseSettings(data []byte) (*Settings, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JWCC: %w", err)
	}
	var file settingsFile
	if err := json.Unmarshal(standardized, &file); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	settings := DefaultSettings()
	durations := []struct {
		value  *string
		target *time.Duration
		name   string
	}{
		{file.SaveDelay, &settings.SaveDelay, "save_delay"},
		{file.PollInterval, &settings.PollInterval, "poll_interval"},
		{file.CleanupDelay, &settings.CleanupDelay, "cleanup_delay"},
		{file.RecoveryTimeout, &settings.RecoveryTimeout, "recovery_timeout"},
		{file.MaxSaveBackoff, &settings.MaxSaveBackoff, "max_save_backoff"},
		{file.WriteTimeout, &settings.WriteTimeout, "write_timeout"},
		{file.ReadTimeout, &settings.ReadTimeout, "read_timeout"},
		{file.PingTimeout, &settings.PingTimeout, "ping_timeout"},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		duration, err := time.ParseDuration(*d.value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		if duration < 0 {
			return nil, fmt.Errorf("%s: negative duration %s", d.name, duration)
		}
		*d.target = duration
	}
	if file.MaxSaveRetries != nil {
		settings.MaxSaveRetries = *file.MaxSaveRetries
	}
	if file.MaxFrameErrors != nil {
		settings.MaxFrameErrors = *file.MaxFrameErrors
	}
	if file.SendBufferSize != nil {
		settings.SendBufferSize = *file.SendBufferSize
	}
	return settings, nil
}
