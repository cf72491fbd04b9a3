// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/chatveil/internal/platform/cmd"
	"github.com/louisbranch/chatveil/internal/platform/config"
	server "github.com/louisbranch/chatveil/internal/services/chat/app"
)

// Config holds chat command configuration. Env tags are read with the
// CHATVEIL_ prefix.
type Config struct {
	HTTPAddr            string        `env:"HTTP_ADDR"              envDefault:":8086"`
	GameAddr            string        `env:"GAME_ADDR"`
	GRPCDialTimeout     time.Duration `env:"GAME_DIAL_TIMEOUT"      envDefault:"2s"`
	AuthBaseURL         string        `env:"AUTH_BASE_URL"          envDefault:"http://localhost:8084"`
	OAuthResourceSecret string        `env:"OAUTH_RESOURCE_SECRET"`
	GrantIssuer         string        `env:"GRANT_ISSUER"           envDefault:"game"`
	GrantAudience       string        `env:"GRANT_AUDIENCE"         envDefault:"chatveil"`
	GrantPublicKey      string        `env:"GRANT_PUBLIC_KEY"`
	AdminSecret         string        `env:"ADMIN_SECRET"`
	SettingsPath        string        `env:"SETTINGS_PATH"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.GameAddr, "game-addr", cfg.GameAddr, "game quest feed gRPC address (empty keeps divergence local)")
	fs.DurationVar(&cfg.GRPCDialTimeout, "game-dial-timeout", cfg.GRPCDialTimeout, "game gRPC dial and health timeout")
	fs.StringVar(&cfg.AuthBaseURL, "auth-base-url", cfg.AuthBaseURL, "auth service base URL")
	fs.StringVar(&cfg.OAuthResourceSecret, "oauth-resource-secret", cfg.OAuthResourceSecret, "auth introspection resource secret")
	fs.StringVar(&cfg.GrantIssuer, "grant-issuer", cfg.GrantIssuer, "connect grant issuer")
	fs.StringVar(&cfg.GrantAudience, "grant-audience", cfg.GrantAudience, "connect grant audience")
	fs.StringVar(&cfg.GrantPublicKey, "grant-public-key", cfg.GrantPublicKey, "base64 Ed25519 connect grant public key")
	fs.StringVar(&cfg.AdminSecret, "admin-secret", cfg.AdminSecret, "admin route secret (empty disables admin routes)")
	fs.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "YAML settings file")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ServerConfig resolves the settings file and grant key into server inputs.
func (cfg Config) ServerConfig() (server.Config, error) {
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return server.Config{}, err
	}
	key, err := server.ParseGrantPublicKey(cfg.GrantPublicKey)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		HTTPAddr:            cfg.HTTPAddr,
		GameAddr:            cfg.GameAddr,
		GRPCDialTimeout:     cfg.GRPCDialTimeout,
		AuthBaseURL:         cfg.AuthBaseURL,
		OAuthResourceSecret: cfg.OAuthResourceSecret,
		Grant: server.GrantConfig{
			Issuer:   cfg.GrantIssuer,
			Audience: cfg.GrantAudience,
			Key:      key,
		},
		AdminSecret: cfg.AdminSecret,
		Settings:    settings,
	}, nil
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	serverConfig, err := cfg.ServerConfig()
	if err != nil {
		return fmt.Errorf("configure chat: %w", err)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		if err := server.Run(ctx, serverConfig); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
