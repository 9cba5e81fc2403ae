package asyncre

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the validated, fully-defaulted control-file contract from
// spec.md §6. One field per documented key, plus SchemeSettings as the
// catch-all for RE_TYPE-specific keys the plug-in itself owns and
// validates via Plugin.CheckInput.
type Config struct {
	Engine              string   `yaml:"ENGINE"`
	ReType              string   `yaml:"RE_TYPE"`
	EngineInputBasename string   `yaml:"ENGINE_INPUT_BASENAME"`
	EngineInputExtfiles []string `yaml:"ENGINE_INPUT_EXTFILES"`

	ReSetup bool `yaml:"RE_SETUP"`
	Verbose bool `yaml:"VERBOSE"`

	NReplicas int `yaml:"NREPLICAS"`

	TotalCores  int    `yaml:"TOTAL_CORES"`
	SubjobCores int    `yaml:"SUBJOB_CORES"`
	PPN         int    `yaml:"PPN"`
	SPMD        string `yaml:"SPMD"`

	SubjobsBufferSize float64 `yaml:"SUBJOBS_BUFFER_SIZE"`

	WallTime       Seconds `yaml:"WALL_TIME"`
	ReplicaRunTime Seconds `yaml:"REPLICA_RUN_TIME"`
	CycleTime      Seconds `yaml:"CYCLE_TIME"`

	Queue           string `yaml:"QUEUE"`
	Project         string `yaml:"PROJECT"`
	BJWorkingDir    string `yaml:"BJ_WORKING_DIR"`
	CoordinationURL string `yaml:"COORDINATION_URL"`
	ResourceURL     string `yaml:"RESOURCE_URL"`

	// SchemeSettings holds every key not named above, handed to the
	// Plugin for its own CheckInput validation. LoadConfig copies only keys
	// outside knownTopLevelKeys here, so a key named above never appears in
	// it.
	SchemeSettings map[string]any `yaml:"-"`
}

// knownTopLevelKeys enumerates every key LoadConfig itself understands;
// anything else is either a scheme setting (lowercase by convention is
// NOT required — spec.md's scheme settings share the same uppercase
// style) or, if genuinely unrecognized by both the core and the plug-in's
// own CheckInput, a ConfigError.
var knownTopLevelKeys = map[string]bool{
	"ENGINE": true, "RE_TYPE": true, "ENGINE_INPUT_BASENAME": true,
	"ENGINE_INPUT_EXTFILES": true, "RE_SETUP": true, "VERBOSE": true,
	"NREPLICAS": true, "TOTAL_CORES": true, "SUBJOB_CORES": true,
	"PPN": true, "SPMD": true, "SUBJOBS_BUFFER_SIZE": true,
	"WALL_TIME": true, "REPLICA_RUN_TIME": true, "CYCLE_TIME": true,
	"QUEUE": true, "PROJECT": true, "BJ_WORKING_DIR": true,
	"COORDINATION_URL": true, "RESOURCE_URL": true,
}

// defaultCycleTime is CYCLE_TIME's default per spec.md §6.
const defaultCycleTime = Seconds(30 * time.Second)

// Seconds is a time.Duration that unmarshals from a YAML control file the
// way operators naturally write wall-clock keys: a bare number of seconds
// ("CYCLE_TIME: 30") or a Go duration string ("CYCLE_TIME: 30s").
type Seconds time.Duration

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Seconds) UnmarshalYAML(unmarshal func(any) error) error {
	var n float64
	if err := unmarshal(&n); err == nil {
		*s = Seconds(time.Duration(n * float64(time.Second)))
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("seconds: expected number or duration string: %w", err)
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("seconds: %w", err)
	}
	*s = Seconds(d)
	return nil
}

// LoadConfig reads and validates a YAML control file at path. Every
// top-level key not in knownTopLevelKeys is collected into
// SchemeSettings rather than rejected outright: the core has no way to
// know in advance which keys a given RE_TYPE plug-in will need, so final
// rejection of a truly unknown key is left to Plugin.CheckInput.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("read %s: %v", path, err)}
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}

	cfg := &Config{
		TotalCores:        1,
		SubjobCores:       1,
		PPN:               1,
		SPMD:              "single",
		SubjobsBufferSize: 0.5,
		SchemeSettings:    make(map[string]any),
		CycleTime:         defaultCycleTime,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("decode %s: %v", path, err)}
	}
	// REPLICA_RUN_TIME defaults to 10% of WALL_TIME.
	if cfg.ReplicaRunTime == 0 {
		cfg.ReplicaRunTime = cfg.WallTime / 10
	}
	for k, v := range raw {
		if !knownTopLevelKeys[k] {
			cfg.SchemeSettings[k] = v
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.NReplicas < 1 {
		return &ConfigError{Key: "NREPLICAS", Msg: "must be >= 1"}
	}
	if c.Engine == "" {
		return &ConfigError{Key: "ENGINE", Msg: "must be set"}
	}
	if c.ReType == "" {
		return &ConfigError{Key: "RE_TYPE", Msg: "must be set"}
	}
	if c.EngineInputBasename == "" {
		return &ConfigError{Key: "ENGINE_INPUT_BASENAME", Msg: "must be set"}
	}
	if c.SubjobCores < 1 {
		return &ConfigError{Key: "SUBJOB_CORES", Msg: "must be >= 1"}
	}
	if c.CycleTime <= 0 {
		return &ConfigError{Key: "CYCLE_TIME", Msg: "must be > 0"}
	}
	return nil
}

// SubjobsBufferSlots implements spec.md §9's resolution of
// SUBJOBS_BUFFER_SIZE semantics: floor(total*(1+buffer)/subjob_cores).
func (c *Config) SubjobsBufferSlots() int {
	return int((float64(c.TotalCores) * (1 + c.SubjobsBufferSize)) / float64(c.SubjobCores))
}
