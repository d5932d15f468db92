package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string
	Bind     string
	LogLevel string
	LogJSON  bool

	StoreBackend    string // consul, etcd or memory
	ConsulAddr      string
	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration

	NomadAddr        string
	NomadDatacenters []string
	NomadRegion      string

	QueuePath           string // sqlite file backing the history queue
	HistoryRetention    int    // history entries kept per group, 0 keeps all
	DrainInitialBackoff time.Duration
	DrainMaxBackoff     time.Duration
	PublishTimeout      time.Duration

	ResyncInterval   time.Duration
	PollInterval     time.Duration
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	DatabaseURL string // optional Postgres event log

	S3Endpoint  string // optional S3 event archive
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Bucket    string
	S3UseSSL    bool

	APIToken           string
	CFAccessTeamDomain string
	CFAccessAUD        string
	AllowedOrigins     []string
}

var defaults = map[string]any{
	"port":      "8900",
	"bind":      "0.0.0.0",
	"log.level": "info",
	"log.json":  false,

	"store.backend":         "consul",
	"consul.addr":           "127.0.0.1:8500",
	"etcd.endpoints":        "127.0.0.1:2379",
	"etcd.dial_timeout":     "5s",
	"nomad.addr":            "http://127.0.0.1:4646",
	"nomad.datacenters":     "dc1",
	"nomad.region":          "global",
	"queue.path":            "skald-queue.db",
	"history.retention":     0,
	"drain.backoff":         "100ms",
	"drain.max_backoff":     "30s",
	"drain.publish_timeout": "5s",
	"rollout.resync":        "1m",
	"rollout.poll":          "2s",
	"rollout.retry":         "1s",
	"rollout.max_retry":     "30s",

	"database.url": "",

	"s3.endpoint":   "",
	"s3.access_key": "",
	"s3.secret_key": "",
	"s3.region":     "us-east-1",
	"s3.bucket":     "skald-history",
	"s3.use_ssl":    true,

	"api.token":             "",
	"cf_access.team_domain": "",
	"cf_access.aud":         "",
	"cors.allowed_origins":  "",
}

// Load reads defaults, the YAML file named by SKALD_CONFIG if set, and
// SKALD_* environment overrides, in increasing precedence. Nested keys map
// to env vars with dots replaced by underscores, e.g. SKALD_STORE_BACKEND.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("SKALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("SKALD_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:     v.GetString("port"),
		Bind:     v.GetString("bind"),
		LogLevel: v.GetString("log.level"),
		LogJSON:  v.GetBool("log.json"),

		StoreBackend:    strings.ToLower(v.GetString("store.backend")),
		ConsulAddr:      v.GetString("consul.addr"),
		EtcdEndpoints:   getStrings(v, "etcd.endpoints"),
		EtcdDialTimeout: v.GetDuration("etcd.dial_timeout"),

		NomadAddr:        v.GetString("nomad.addr"),
		NomadDatacenters: getStrings(v, "nomad.datacenters"),
		NomadRegion:      v.GetString("nomad.region"),

		QueuePath:           v.GetString("queue.path"),
		HistoryRetention:    v.GetInt("history.retention"),
		DrainInitialBackoff: v.GetDuration("drain.backoff"),
		DrainMaxBackoff:     v.GetDuration("drain.max_backoff"),
		PublishTimeout:      v.GetDuration("drain.publish_timeout"),

		ResyncInterval:   v.GetDuration("rollout.resync"),
		PollInterval:     v.GetDuration("rollout.poll"),
		RetryInterval:    v.GetDuration("rollout.retry"),
		MaxRetryInterval: v.GetDuration("rollout.max_retry"),

		DatabaseURL: v.GetString("database.url"),

		S3Endpoint:  v.GetString("s3.endpoint"),
		S3AccessKey: v.GetString("s3.access_key"),
		S3SecretKey: v.GetString("s3.secret_key"),
		S3Region:    v.GetString("s3.region"),
		S3Bucket:    v.GetString("s3.bucket"),
		S3UseSSL:    v.GetBool("s3.use_ssl"),

		APIToken:           v.GetString("api.token"),
		CFAccessTeamDomain: v.GetString("cf_access.team_domain"),
		CFAccessAUD:        v.GetString("cf_access.aud"),
		AllowedOrigins:     getStrings(v, "cors.allowed_origins"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "consul", "etcd", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == "etcd" && len(c.EtcdEndpoints) == 0 {
		return fmt.Errorf("etcd backend needs at least one endpoint")
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("history retention must not be negative")
	}
	if (c.CFAccessTeamDomain == "") != (c.CFAccessAUD == "") {
		return fmt.Errorf("cf access needs both team domain and aud")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Bind + ":" + c.Port
}

// getStrings accepts a YAML list or a comma separated string.
func getStrings(v *viper.Viper, key string) []string {
	var parts []string
	switch raw := v.Get(key).(type) {
	case string:
		parts = strings.Split(raw, ",")
	default:
		parts = v.GetStringSlice(key)
	}
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
