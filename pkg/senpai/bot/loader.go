// Package bot - loader.go loads configuration from YAML files with
// credential resolution via environment variables, .env files, and the
// OS keyring.
package bot

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "senpai"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"

	// keyringDiscordToken is the key name for the Discord bot token.
	keyringDiscordToken = "discord_token"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values. Group 1 is the variable name, group 2 the optional default.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadConfig reads and parses a YAML configuration file. It loads .env
// files first, expands ${VAR} references in the YAML, and resolves
// missing credentials from the environment and the OS keyring.
func LoadConfig(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, overlaying values on the
// defaults.
func ParseConfig(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches standard locations for a config file. Returns
// an empty string if none exists.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"senpai.yaml",
		"senpai.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns empty
// string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations. godotenv does
// not overwrite variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with
// environment values. Unset variables without a default keep the
// placeholder so the failure surfaces in validation rather than as a
// silently empty credential.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, def := sub[1], sub[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if strings.Contains(match, ":-") {
			return def
		}
		return match
	})
}

// resolveSecrets fills in credentials from the environment and keyring
// when the config value is empty or an unexpanded placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.LLM.APIKey == "" || isEnvReference(cfg.LLM.APIKey) {
		if key := os.Getenv("SENPAI_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		} else if key := GetKeyring(keyringAPIKey); key != "" {
			cfg.LLM.APIKey = key
		}
	}
	if cfg.Discord.Token == "" || isEnvReference(cfg.Discord.Token) {
		if tok := os.Getenv("DISCORD_BOT_TOKEN"); tok != "" {
			cfg.Discord.Token = tok
		} else if tok := GetKeyring(keyringDiscordToken); tok != "" {
			cfg.Discord.Token = tok
		}
	}
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${")
}
