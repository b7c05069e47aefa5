package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFromYAML(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want func(c *Config)
	}{
		{
			name: "Defaults",
			yaml: ``,
			want: func(c *Config) {},
		},
		{
			name: "Overrides",
			yaml: `
api_base_url: "https://chat.example.com/"
page_size: 50
typing_debounce_ms: 500
typing_expiry_ms: 1500
single_reaction_per_user: true
redis_url: "redis://localhost:6379/2"
`,
			want: func(c *Config) {
				c.APIBaseURL = "https://chat.example.com"
				c.PageSize = 50
				c.Typing.Debounce = 500 * time.Millisecond
				c.Typing.Expiry = 1500 * time.Millisecond
				c.SingleReaction = true
				c.RedisURL = "redis://localhost:6379/2"
			},
		},
		{
			name: "PageSizeOutOfRange",
			yaml: `page_size: 1000`,
			want: func(c *Config) {},
		},
		{
			name: "MaxDelayBelowBase",
			yaml: "reconnect_base_ms: 5000\nreconnect_max_ms: 10",
			want: func(c *Config) {
				c.Reconnect.BaseDelay = 5 * time.Second
				c.Reconnect.MaxDelay = 5 * time.Second
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromYAML([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("FromYAML: %v", err)
			}
			want := Default()
			tt.want(want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromYAMLInvalid(t *testing.T) {
	if _, err := FromYAML([]byte("page_size: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("CHATSYNC_USER_ID", "u-42")
	t.Setenv("TYPING_IDLE_MS", "1200")
	t.Setenv("SINGLE_REACTION_PER_USER", "true")
	t.Setenv("PAGE_SIZE", "not-a-number")

	cfg := Load()
	if cfg.UserID != "u-42" {
		t.Errorf("UserID = %q, want u-42", cfg.UserID)
	}
	if cfg.Typing.Idle != 1200*time.Millisecond {
		t.Errorf("Typing.Idle = %v, want 1.2s", cfg.Typing.Idle)
	}
	if !cfg.SingleReaction {
		t.Error("SingleReaction = false, want true")
	}
	if cfg.PageSize != 30 {
		t.Errorf("PageSize = %d, want default 30", cfg.PageSize)
	}
}
