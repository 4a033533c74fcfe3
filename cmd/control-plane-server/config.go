package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/qualityops/control-plane/internal/api/http"
	"github.com/qualityops/control-plane/internal/attendants"
	"github.com/qualityops/control-plane/internal/auth"
	"github.com/qualityops/control-plane/internal/catalog"
	"github.com/qualityops/control-plane/internal/controlplane"
	"github.com/qualityops/control-plane/internal/transport"
)

type Config struct {
	Log        LogConfig
	Http       http.Config
	Websocket  transport.Config       `mapstructure:"websocket"`
	Auth       auth.Config            `mapstructure:"auth"`
	Timeouts   controlplane.Timeouts  `mapstructure:"timeouts"`
	Audit      AuditConfig            `mapstructure:"audit"`
	Clients    ClientsConfig          `mapstructure:"clients"`
	Services   []catalog.Service      `mapstructure:"services"`
	Attendants []attendants.SeedEntry `mapstructure:"attendants"`
}

type AuditConfig struct {
	Dir          string `mapstructure:"dir"`
	MaxSizeBytes int64  `mapstructure:"max_size_bytes"`
}

type ClientsConfig struct {
	AcceptedPrefixes []string `mapstructure:"accepted_prefixes"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/control-plane-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("auth.secret", "JWT_SECRET")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")

	defaults := controlplane.DefaultTimeouts()
	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("websocket.addr", ":8765")
	viper.SetDefault("websocket.read_timeout", "90s")
	viper.SetDefault("websocket.write_timeout", "10s")
	viper.SetDefault("timeouts.client_stale", defaults.ClientStale)
	viper.SetDefault("timeouts.session_idle", defaults.SessionIdle)
	viper.SetDefault("timeouts.lock_hold", defaults.LockHold)
	viper.SetDefault("timeouts.sweep_interval", defaults.SweepInterval)
	viper.SetDefault("audit.dir", "logs/audit")
	viper.SetDefault("clients.accepted_prefixes", []string{"QUALITY_CLIENTE_", "SERVIDOR_", "CLIENT_"})

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(redacted(config), "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

// redacted strips credentials from a config copy before it is printed.
func redacted(cfg Config) Config {
	if cfg.Auth.Secret != "" {
		cfg.Auth.Secret = "[redacted]"
	}
	if cfg.Http.AdminAPIKey != "" {
		cfg.Http.AdminAPIKey = "[redacted]"
	}
	roster := make([]attendants.SeedEntry, len(cfg.Attendants))
	copy(roster, cfg.Attendants)
	for i := range roster {
		if roster[i].Secret != "" {
			roster[i].Secret = "[redacted]"
		}
		if roster[i].SecretHash != "" {
			roster[i].SecretHash = "[redacted]"
		}
	}
	cfg.Attendants = roster
	return cfg
}
