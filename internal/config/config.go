package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that serializes in Go duration syntax
// ("10s", "100ms") instead of raw nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Spawners SpawnersConfig `yaml:"spawners"`
	Rooms    RoomsConfig    `yaml:"rooms"`
	Lobbies  LobbiesConfig  `yaml:"lobbies"`
	Announce AnnounceConfig `yaml:"announce"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

type SpawnersConfig struct {
	// QueuePumpInterval is how often each spawner's queue is drained into
	// its free slots.
	QueuePumpInterval Duration `yaml:"queuePumpInterval"`
	// RequestTimeout bounds round trips to spawner nodes and spawned
	// processes.
	RequestTimeout Duration `yaml:"requestTimeout"`
	// EnableClientRequests lets ordinary clients ask for spawns directly.
	EnableClientRequests bool `yaml:"enableClientRequests"`
	// ArchiveSize is the number of finished tasks kept for late
	// finalization-data lookups.
	ArchiveSize int `yaml:"archiveSize"`
}

type RoomsConfig struct {
	// AccessTimeout is how long an unconfirmed room access stays valid.
	AccessTimeout Duration `yaml:"accessTimeout"`
	SweepInterval Duration `yaml:"sweepInterval"`
}

type LobbiesConfig struct {
	// WaitAfterMinPlayers and WaitAfterFullTeams are the auto-start
	// countdowns once the respective condition holds.
	WaitAfterMinPlayers Duration `yaml:"waitAfterMinPlayers"`
	WaitAfterFullTeams  Duration `yaml:"waitAfterFullTeams"`
}

type AnnounceConfig struct {
	// WebhookURL receives a POST for every public room registration.
	// Empty disables announcements.
	WebhookURL string `yaml:"webhookURL"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Spawners: SpawnersConfig{
			QueuePumpInterval:    Duration(100 * time.Millisecond),
			RequestTimeout:       Duration(15 * time.Second),
			EnableClientRequests: true,
			ArchiveSize:          512,
		},
		Rooms: RoomsConfig{
			AccessTimeout: Duration(10 * time.Second),
			SweepInterval: Duration(time.Second),
		},
		Lobbies: LobbiesConfig{
			WaitAfterMinPlayers: Duration(10 * time.Second),
			WaitAfterFullTeams:  Duration(5 * time.Second),
		},
		Announce: AnnounceConfig{},
	}
}

func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".speeddate")
}

func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.yaml")
}

// Load reads the config file at path, falling back to ConfigPath() when
// path is empty and to defaults when the file does not exist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func Save(cfg Config) error {
	if err := os.MkdirAll(BaseDir(), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(), data, 0644)
}
