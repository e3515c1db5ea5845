package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Engine struct {
		Timezone            string        `mapstructure:"TIMEZONE"`
		MaterializeInterval time.Duration `mapstructure:"MATERIALIZE_INTERVAL"`
		MetricsInterval     time.Duration `mapstructure:"METRICS_INTERVAL"`
		MetricGracePeriod   time.Duration `mapstructure:"METRIC_GRACE_PERIOD"`
		SnapshotRetention   int           `mapstructure:"SNAPSHOT_RETENTION"`
		StalenessThreshold  time.Duration `mapstructure:"STALENESS_THRESHOLD"`
		CheckinMaxRetries   int           `mapstructure:"CHECKIN_MAX_RETRIES"`
		CheckinRetryBackoff time.Duration `mapstructure:"CHECKIN_RETRY_BACKOFF"`
	} `mapstructure:"ENGINE"`
}

// Normalize fills defaults for engine knobs left unset so the schedulers
// never run with a zero interval.
func (c *Config) Normalize() {
	if c.Engine.Timezone == "" {
		c.Engine.Timezone = "UTC"
	}
	if c.Engine.MaterializeInterval <= 0 {
		c.Engine.MaterializeInterval = 5 * time.Minute
	}
	if c.Engine.MetricsInterval <= 0 {
		c.Engine.MetricsInterval = 10 * time.Minute
	}
	if c.Engine.MetricGracePeriod <= 0 {
		c.Engine.MetricGracePeriod = 15 * time.Minute
	}
	if c.Engine.SnapshotRetention <= 0 {
		c.Engine.SnapshotRetention = 5
	}
	if c.Engine.StalenessThreshold <= 0 {
		c.Engine.StalenessThreshold = 10 * time.Minute
	}
	if c.Engine.CheckinMaxRetries <= 0 {
		c.Engine.CheckinMaxRetries = 3
	}
	if c.Engine.CheckinRetryBackoff <= 0 {
		c.Engine.CheckinRetryBackoff = 50 * time.Millisecond
	}
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	if p.Vault != nil {
		// START - Vault
		client := p.Vault
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Info("Success Get Secret")

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
		// END - Vault
	}

	cfg.Normalize()

	return &cfg
}
