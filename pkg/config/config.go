// Package config loads advisor options from a YAML or JSON file layered over
// built-in defaults, with MEMADVISOR_* environment overrides.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dbtuneai/memadvisor/pkg/heuristics"
	"github.com/dbtuneai/memadvisor/pkg/internal/utils"
	"github.com/dbtuneai/memadvisor/pkg/metrics"
	"github.com/dbtuneai/memadvisor/pkg/profile"
	"github.com/dbtuneai/memadvisor/pkg/stresstest"
	"github.com/dbtuneai/memadvisor/pkg/watcher"
)

const (
	DefaultConfigName = "memadvisor"
	EnvPrefix         = "MEMADVISOR"
)

//go:embed default.yaml
var defaultYAML []byte

type DeviceTable struct {
	Path        string `mapstructure:"path"`
	URL         string `mapstructure:"url" validate:"omitempty,url"`
	PostgresURL string `mapstructure:"postgresUrl"`
}

// Configured reports whether any table source is set.
func (d DeviceTable) Configured() bool {
	return d.Path != "" || d.URL != "" || d.PostgresURL != ""
}

// Load reads the table from the first configured source: file, then URL,
// then Postgres.
func (d DeviceTable) Load(ctx context.Context, client *retryablehttp.Client) (profile.Table, error) {
	switch {
	case d.Path != "":
		return profile.LoadFile(d.Path)
	case d.URL != "":
		if client == nil {
			client = retryablehttp.NewClient()
		}
		return profile.LoadURL(ctx, client, d.URL)
	case d.PostgresURL != "":
		return profile.LoadPostgres(ctx, d.PostgresURL)
	}
	return nil, errors.New("no device table configured")
}

type StressTest struct {
	Enabled         bool          `mapstructure:"enabled"`
	SegmentSize     interface{}   `mapstructure:"segmentSize"`
	MaxBytes        interface{}   `mapstructure:"maxBytes"`
	ResponseTimeout time.Duration `mapstructure:"responseTimeout" validate:"gt=0"`
	LivenessTimeout time.Duration `mapstructure:"livenessTimeout" validate:"gt=0"`
	CheckInterval   time.Duration `mapstructure:"checkInterval" validate:"gt=0"`

	SegmentBytes int64 `mapstructure:"-"`
	CeilingBytes int64 `mapstructure:"-"`
}

// Coordinator returns the coordinator tunables.
func (s StressTest) Coordinator() stresstest.Config {
	return stresstest.Config{
		SegmentSize:     s.SegmentBytes,
		ResponseTimeout: s.ResponseTimeout,
		LivenessTimeout: s.LivenessTimeout,
		CheckInterval:   s.CheckInterval,
	}
}

type MapTester struct {
	Size     interface{}   `mapstructure:"size"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`

	SizeBytes int64 `mapstructure:"-"`
}

type Watcher struct {
	MaxMillisecondsPerSecond float64       `mapstructure:"maxMillisecondsPerSecond" validate:"gt=0"`
	MinInterval              time.Duration `mapstructure:"minInterval" validate:"gt=0"`
	MaxInterval              time.Duration `mapstructure:"maxInterval" validate:"gtefield=MinInterval"`
	UnresponsiveThreshold    time.Duration `mapstructure:"unresponsiveThreshold" validate:"gt=0"`
}

// Apply copies the pacing settings onto w.
func (c Watcher) Apply(w *watcher.Watcher) {
	w.MaxMillisecondsPerSecond = c.MaxMillisecondsPerSecond
	w.MinInterval = c.MinInterval
	w.MaxInterval = c.MaxInterval
	w.UnresponsiveThreshold = c.UnresponsiveThreshold
}

type Server struct {
	Listen string `mapstructure:"listen"`
}

type Sinks struct {
	File     string `mapstructure:"file"`
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey   string `mapstructure:"apiKey"`
}

// Metrics holds the field selections of the three snapshots. They are read
// without viper so group and field names keep their case.
type Metrics struct {
	Variable map[string]interface{} `yaml:"variable"`
	Constant map[string]interface{} `yaml:"constant"`
	Baseline map[string]interface{} `yaml:"baseline"`
}

type Options struct {
	Debug         bool        `mapstructure:"debug"`
	MatchStrategy string      `mapstructure:"matchStrategy" validate:"required,oneof=fingerprint baseline"`
	Fingerprint   string      `mapstructure:"fingerprint"`
	DeviceTable   DeviceTable `mapstructure:"deviceTable"`
	StressTest    StressTest  `mapstructure:"onDeviceStressTest"`
	MapTester     MapTester   `mapstructure:"mapTester"`
	Watcher       Watcher     `mapstructure:"watcher"`
	Server        Server      `mapstructure:"server"`
	Sinks         Sinks       `mapstructure:"sinks"`

	Metrics     Metrics                `mapstructure:"-"`
	Heuristics  map[string]interface{} `mapstructure:"-"`
	Predictions map[string]interface{} `mapstructure:"-"`
}

// caseSensitive are the blocks whose keys are metric names.
type caseSensitive struct {
	Metrics     *Metrics               `yaml:"metrics"`
	Heuristics  map[string]interface{} `yaml:"heuristics"`
	Predictions map[string]interface{} `yaml:"predictions"`
}

// Default returns the built-in options.
func Default() (Options, error) {
	return Load("")
}

// Load reads path over the defaults. An empty path looks for memadvisor.yaml
// in the working directory and carries on without it when absent.
func Load(path string) (Options, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(defaultYAML))); err != nil {
		return Options{}, fmt.Errorf("invalid default config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Options{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("unable to decode into struct, %v", err)
	}

	blocks, err := readCaseSensitive(defaultYAML, nil)
	if err != nil {
		return Options{}, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		data, err := os.ReadFile(used)
		if err != nil {
			return Options{}, fmt.Errorf("error reading config file: %w", err)
		}
		if blocks, err = readCaseSensitive(data, &blocks); err != nil {
			return Options{}, fmt.Errorf("%s: %w", used, err)
		}
	}
	if blocks.Metrics != nil {
		opts.Metrics = *blocks.Metrics
	}
	opts.Heuristics = blocks.Heuristics
	opts.Predictions = blocks.Predictions

	if err := opts.resolveQuantities(); err != nil {
		return Options{}, err
	}
	if err := utils.ValidateStruct(&opts); err != nil {
		return Options{}, err
	}
	if _, err := opts.Rules(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// readCaseSensitive decodes the metric-keyed blocks of data. Blocks missing
// from data keep their value in base; a present block replaces it whole,
// except that the metrics block is replaced per snapshot.
func readCaseSensitive(data []byte, base *caseSensitive) (caseSensitive, error) {
	var parsed caseSensitive
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return caseSensitive{}, err
	}
	if base == nil {
		return parsed, nil
	}
	out := *base
	if parsed.Heuristics != nil {
		out.Heuristics = parsed.Heuristics
	}
	if parsed.Predictions != nil {
		out.Predictions = parsed.Predictions
	}
	if parsed.Metrics != nil {
		merged := Metrics{}
		if base.Metrics != nil {
			merged = *base.Metrics
		}
		if parsed.Metrics.Variable != nil {
			merged.Variable = parsed.Metrics.Variable
		}
		if parsed.Metrics.Constant != nil {
			merged.Constant = parsed.Metrics.Constant
		}
		if parsed.Metrics.Baseline != nil {
			merged.Baseline = parsed.Metrics.Baseline
		}
		out.Metrics = &merged
	}
	return out, nil
}

func (o *Options) resolveQuantities() error {
	var err error
	if o.StressTest.SegmentBytes, err = metrics.ParseQuantity(o.StressTest.SegmentSize); err != nil {
		return fmt.Errorf("onDeviceStressTest.segmentSize: %w", err)
	}
	if o.StressTest.SegmentBytes <= 0 {
		return fmt.Errorf("onDeviceStressTest.segmentSize must be positive")
	}
	if o.StressTest.CeilingBytes, err = metrics.ParseQuantity(o.StressTest.MaxBytes); err != nil {
		return fmt.Errorf("onDeviceStressTest.maxBytes: %w", err)
	}
	if o.MapTester.SizeBytes, err = metrics.ParseQuantity(o.MapTester.Size); err != nil {
		return fmt.Errorf("mapTester.size: %w", err)
	}
	return nil
}

// Rules decodes the heuristics and predictions blocks.
func (o Options) Rules() (heuristics.Set, error) {
	set, err := heuristics.Decode(o.Heuristics)
	if err != nil {
		return heuristics.Set{}, err
	}
	set.Predictions = heuristics.DecodePredictions(o.Predictions)
	return set, nil
}
