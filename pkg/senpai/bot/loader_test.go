package bot

import (
	"strings"
	"testing"
)

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
discord:
  token: tok
llm:
  api_key: key
  model: gpt-4o-mini
conversation:
  timeout_minutes: 5
`))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want override", cfg.LLM.Model)
	}
	if cfg.Conversation.TimeoutMinutes != 5 {
		t.Errorf("timeout = %d, want 5", cfg.Conversation.TimeoutMinutes)
	}
	// Untouched fields keep their defaults.
	if cfg.Conversation.ContextMessages != 10 {
		t.Errorf("context messages = %d, want default 10", cfg.Conversation.ContextMessages)
	}
	if cfg.Scheduler.RetentionDays != 90 {
		t.Errorf("retention = %d, want default 90", cfg.Scheduler.RetentionDays)
	}
}

func TestParseConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("SENPAI_TEST_TOKEN", "from-env")

	cfg, err := ParseConfig([]byte(`
discord:
  token: ${SENPAI_TEST_TOKEN}
llm:
  base_url: ${SENPAI_TEST_MISSING:-https://example.com/v1}
`))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if cfg.Discord.Token != "from-env" {
		t.Errorf("token = %q, want env value", cfg.Discord.Token)
	}
	if cfg.LLM.BaseURL != "https://example.com/v1" {
		t.Errorf("base url = %q, want the fallback default", cfg.LLM.BaseURL)
	}
}

func TestParseConfigKeepsUnsetPlaceholder(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
llm:
  api_key: ${SENPAI_TEST_NEVER_SET}
`))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	// Unresolved placeholders survive so validation can reject them
	// instead of running with an empty credential.
	if !isEnvReference(cfg.LLM.APIKey) {
		t.Errorf("api key = %q, want the unexpanded placeholder", cfg.LLM.APIKey)
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("config without credentials validated")
	}

	cfg.Discord.Token = "tok"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Errorf("got %v, want missing api_key error", err)
	}

	cfg.LLM.APIKey = "key"
	if err := cfg.Validate(); err != nil {
		t.Errorf("complete config rejected: %v", err)
	}
}
