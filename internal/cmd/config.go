package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kryahq/kryad/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the merged configuration after defaults, kryad.yaml, and
KRYAD_* environment variables are applied. The API key is masked.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

type configDump struct {
	Server     config.ServerConfig  `yaml:"server"`
	Logging    config.LoggingConfig `yaml:"logging"`
	Generation struct {
		BaseURL         string  `yaml:"base_url"`
		Model           string  `yaml:"model"`
		APIKey          string  `yaml:"api_key"`
		Temperature     float64 `yaml:"temperature"`
		MaxOutputTokens int     `yaml:"max_output_tokens"`
		TopP            float64 `yaml:"top_p"`
		TopK            int     `yaml:"top_k"`
	} `yaml:"generation"`
	Executor  config.ExecutorConfig  `yaml:"executor"`
	Broadcast config.BroadcastConfig `yaml:"broadcast"`
	Store     config.StoreConfig     `yaml:"store"`
	Cooldown  config.CooldownConfig  `yaml:"cooldown"`
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return err
	}

	var dump configDump
	dump.Server = cfg.Server
	dump.Logging = cfg.Logging
	dump.Generation.BaseURL = cfg.Generation.BaseURL
	dump.Generation.Model = cfg.Generation.Model
	dump.Generation.APIKey = maskAPIKey(cfg.Generation.APIKey)
	dump.Generation.Temperature = cfg.Generation.Temperature
	dump.Generation.MaxOutputTokens = cfg.Generation.MaxOutputTokens
	dump.Generation.TopP = cfg.Generation.TopP
	dump.Generation.TopK = cfg.Generation.TopK
	dump.Executor = cfg.Executor
	dump.Broadcast = cfg.Broadcast
	dump.Store = cfg.Store
	dump.Cooldown = cfg.Cooldown

	out, err := yaml.Marshal(dump)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(os.Stdout, string(out))
	return err
}

func maskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "••••••••"
	}
	return "••••••••" + key[len(key)-4:]
}
