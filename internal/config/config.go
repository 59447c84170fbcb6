package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-glow/internal/flow"
)

type Config struct {
	Paths    PathsConfig `mapstructure:"paths"`
	Model    ModelConfig `mapstructure:"model"`
	LogLevel string      `mapstructure:"log_level"`
}

type PathsConfig struct {
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

type ModelConfig struct {
	Levels          int  `mapstructure:"levels"`
	DepthPerLevel   int  `mapstructure:"depth_per_level"`
	SqueezeFactor   int  `mapstructure:"squeeze_factor"`
	HiddenChannels  int  `mapstructure:"hidden_channels"`
	LUDecomposition bool `mapstructure:"lu_decomposition"`
}

// Hyperparameters converts the configured architecture into the model's
// immutable hyperparameter set.
func (m ModelConfig) Hyperparameters() flow.Hyperparameters {
	return flow.Hyperparameters{
		Levels:          m.Levels,
		DepthPerLevel:   m.DepthPerLevel,
		SqueezeFactor:   m.SqueezeFactor,
		HiddenChannels:  m.HiddenChannels,
		LUDecomposition: m.LUDecomposition,
	}
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			SnapshotDir: "snapshots",
		},
		Model: ModelConfig{
			Levels:          3,
			DepthPerLevel:   32,
			SqueezeFactor:   2,
			HiddenChannels:  512,
			LUDecomposition: false,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-snapshot-dir", defaults.Paths.SnapshotDir, "Directory holding the model snapshot")
	fs.Int("model-levels", defaults.Model.Levels, "Number of multi-scale levels")
	fs.Int("model-depth-per-level", defaults.Model.DepthPerLevel, "Flow steps per level")
	fs.Int("model-squeeze-factor", defaults.Model.SqueezeFactor, "Spatial squeeze factor per level")
	fs.Int("model-hidden-channels", defaults.Model.HiddenChannels, "Hidden channels of the coupling networks")
	fs.Bool("model-lu-decomposition", defaults.Model.LUDecomposition, "Parameterize channel mixing as an LU factorization")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("GLOW")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("glow")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Model.Hyperparameters().Validate(); err != nil {
		return Config{}, fmt.Errorf("model config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.snapshot_dir", c.Paths.SnapshotDir)
	v.SetDefault("model.levels", c.Model.Levels)
	v.SetDefault("model.depth_per_level", c.Model.DepthPerLevel)
	v.SetDefault("model.squeeze_factor", c.Model.SqueezeFactor)
	v.SetDefault("model.hidden_channels", c.Model.HiddenChannels)
	v.SetDefault("model.lu_decomposition", c.Model.LUDecomposition)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("paths.snapshot_dir", "paths-snapshot-dir")
	v.RegisterAlias("model.levels", "model-levels")
	v.RegisterAlias("model.depth_per_level", "model-depth-per-level")
	v.RegisterAlias("model.squeeze_factor", "model-squeeze-factor")
	v.RegisterAlias("model.hidden_channels", "model-hidden-channels")
	v.RegisterAlias("model.lu_decomposition", "model-lu-decomposition")
	v.RegisterAlias("log_level", "log-level")
}
