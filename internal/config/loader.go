// Package config loads kryad configuration from defaults, an optional
// kryad.yaml, KRYAD_* environment variables, and explicit runtime
// overrides, in increasing precedence.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "KRYAD"

// Load builds the effective configuration. Overrides (used by tests and
// by flag binding) are applied last.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// .env is a convenience for the API key only; missing files are fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("kryad")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/kryad")
	v.AddConfigPath("/etc/kryad")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !asConfigFileNotFound(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// KRYAD_API_KEY is the short credential alias .env files use.
	_ = v.BindEnv("generation.api_key", "KRYAD_API_KEY", "KRYAD_GENERATION_API_KEY")

	// Set places overrides above env vars in viper's precedence order.
	for _, o := range overrides {
		for key, value := range flattenOverrides("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.file_max_size_mb", 50)
	v.SetDefault("logging.file_max_backups", 3)

	v.SetDefault("generation.base_url", "https://generativelanguage.googleapis.com/v1beta/openai")
	v.SetDefault("generation.model", "gemini-2.5-flash")
	v.SetDefault("generation.api_key", "")
	v.SetDefault("generation.temperature", 1.55)
	v.SetDefault("generation.max_output_tokens", 8192)
	v.SetDefault("generation.top_p", 0.95)
	v.SetDefault("generation.top_k", 40)
	v.SetDefault("generation.timeout", 120*time.Second)

	v.SetDefault("executor.interpreter", "python3")
	v.SetDefault("executor.work_dir", "")
	v.SetDefault("executor.timeout", 60*time.Second)
	v.SetDefault("executor.kill_grace", 2*time.Second)

	v.SetDefault("broadcast.history_cap", 100)
	v.SetDefault("broadcast.subscriber_buffer", 64)

	v.SetDefault("store.path", "")
	v.SetDefault("store.retention", 10*time.Minute)

	v.SetDefault("cooldown.window", 5*time.Second)
	v.SetDefault("cooldown.prune_after", 5*time.Minute)
}

func flattenOverrides(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flattenOverrides(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if nf, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = nf
		return true
	}
	return false
}
