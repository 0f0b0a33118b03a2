package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("1s", "5m").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is the per-profile outpost.toml.
type Settings struct {
	Identity     IdentitySettings     `toml:"identity"`
	Remote       RemoteSettings       `toml:"remote"`
	Queue        QueueSettings        `toml:"queue"`
	Connectivity ConnectivitySettings `toml:"connectivity"`
	Search       SearchSettings       `toml:"search"`
	HTTP         HTTPSettings         `toml:"http"`
	Telemetry    TelemetrySettings    `toml:"telemetry"`
}

type IdentitySettings struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// RemoteSettings selects the backend. Backend is "memory" or "redis".
type RemoteSettings struct {
	Backend   string `toml:"backend"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type QueueSettings struct {
	RetryBase  Duration `toml:"retry_base"`
	RetryCap   Duration `toml:"retry_cap"`
	MaxRetries int      `toml:"max_retries"`
}

type ConnectivitySettings struct {
	ProbeInterval Duration `toml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout"`
}

type SearchSettings struct {
	RecencyWindow     Duration `toml:"recency_window"`
	TopCorrespondents int      `toml:"top_correspondents"`
	CorrespondentTTL  Duration `toml:"correspondent_ttl"`
}

// HTTPSettings configures the health and metrics listener. An empty Addr
// disables it.
type HTTPSettings struct {
	Addr string `toml:"addr"`
}

type TelemetrySettings struct {
	TraceStdout bool `toml:"trace_stdout"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DefaultSettings returns the settings used when outpost.toml is absent.
func DefaultSettings() *Settings {
	return &Settings{
		Identity: IdentitySettings{UserID: "me", DisplayName: "Me"},
		Remote: RemoteSettings{
			Backend:   BackendMemory,
			Addr:      "localhost:6379",
			KeyPrefix: "outpost",
		},
		Queue: QueueSettings{
			RetryBase:  Duration(time.Second),
			RetryCap:   Duration(30 * time.Second),
			MaxRetries: 5,
		},
		Connectivity: ConnectivitySettings{
			ProbeInterval: Duration(5 * time.Second),
			ProbeTimeout:  Duration(2 * time.Second),
		},
		Search: SearchSettings{
			RecencyWindow:     Duration(7 * 24 * time.Hour),
			TopCorrespondents: 5,
			CorrespondentTTL:  Duration(10 * time.Minute),
		},
		HTTP: HTTPSettings{Addr: "127.0.0.1:7787"},
	}
}

// Validate reports every invalid field at once.
func (s *Settings) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Identity.UserID) == "" {
		problems = append(problems, "identity.user_id is required")
	}
	switch s.Remote.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.Remote.Addr == "" {
			problems = append(problems, "remote.addr is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("remote.backend %q must be %q or %q", s.Remote.Backend, BackendMemory, BackendRedis))
	}
	if s.Queue.RetryBase <= 0 {
		problems = append(problems, "queue.retry_base must be positive")
	}
	if s.Queue.RetryCap <= 0 {
		problems = append(problems, "queue.retry_cap must be positive")
	}
	if s.Queue.RetryCap < s.Queue.RetryBase {
		problems = append(problems, "queue.retry_cap must not be below queue.retry_base")
	}
	if s.Queue.MaxRetries < 0 {
		problems = append(problems, "queue.max_retries must not be negative")
	}
	if s.Connectivity.ProbeInterval <= 0 || s.Connectivity.ProbeTimeout <= 0 {
		problems = append(problems, "connectivity probe interval and timeout must be positive")
	}
	if s.Search.TopCorrespondents < 0 {
		problems = append(problems, "search.top_correspondents must not be negative")
	}
	if len(problems) > 0 {
		return errors.New("invalid settings: " + strings.Join(problems, "; "))
	}
	return nil
}

// LoadSettings reads path over the defaults. A missing file yields the
// defaults; unknown keys are rejected so typos do not pass silently.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	md, err := toml.DecodeFile(path, s)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := rejectUndecoded(md, "load settings"); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
