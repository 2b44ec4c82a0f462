package logger

import "fmt"

// Level and format names accepted in Config.
var (
	Levels  = []string{"trace", "debug", "info", "warn", "error", "disabled"}
	Formats = []string{"json", "console"}
)

// Config contains logging configuration. It is usually embedded as the
// "logging" section of the testkit configuration file.
type Config struct {
	Level   string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	Format  string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json console"`
	Output  string `yaml:"output" mapstructure:"output"` // stderr, stdout or a file path
	NoColor bool   `yaml:"no_color" mapstructure:"no_color"`
	// Timestamp and Caller only apply to New; ForTest always stamps lines.
	Timestamp bool `yaml:"timestamp" mapstructure:"timestamp"`
	Caller    bool `yaml:"caller" mapstructure:"caller"`
}

// ApplyDefaults fills empty fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
	c.Timestamp = true
}

// Validate reports an unknown level or format.
func (c *Config) Validate() error {
	if !oneOf(Levels, c.Level) {
		return fmt.Errorf("logging.level must be one of %v (got: %s)", Levels, c.Level)
	}
	if !oneOf(Formats, c.Format) {
		return fmt.Errorf("logging.format must be one of %v (got: %s)", Formats, c.Format)
	}
	return nil
}

func oneOf(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
