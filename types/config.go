package types

// AppConfig is the persisted service configuration (config.yaml).
type AppConfig struct {
	Port                 int     `yaml:"port"`
	DefaultChunkSize     int     `yaml:"defaultChunkSize"`
	MaxTotalRows         int     `yaml:"maxTotalRows"`
	SessionTTLMinutes    int     `yaml:"sessionTtlMinutes"`
	MaxQueueLength       int     `yaml:"maxQueueLength"`
	ProgressEventsPerSec float64 `yaml:"progressEventsPerSec"`
	StallTimeoutMinutes  int     `yaml:"stallTimeoutMinutes"`
	StateDir             string  `yaml:"stateDir"`
}
