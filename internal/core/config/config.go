package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const EnvPrefix = "GEOFILTER"

type ServerCfg struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type LogCfg struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	SampleN int    `mapstructure:"sample_n"`
}

type SelectorCfg struct {
	// relational collections below this estimate are evaluated in memory
	RelationalMemoryMax int64 `mapstructure:"relational_memory_max"`
	// embedded collections above this estimate use an indexed temp structure
	EmbeddedStructureMin int64 `mapstructure:"embedded_structure_min"`
}

type StructureCfg struct {
	NonDurable      bool          `mapstructure:"non_durable"`
	ClusterMaxRows  int64         `mapstructure:"cluster_max_rows"`
	MinRows         int64         `mapstructure:"min_rows"`
	HotThreshold    float64       `mapstructure:"hot_threshold"`
	HotHalfLife     time.Duration `mapstructure:"hot_half_life"`
	ReclaimAge      time.Duration `mapstructure:"reclaim_age"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	Prefix          string        `mapstructure:"prefix"`
	Schema          string        `mapstructure:"schema"`
}

type GeometryCfg struct {
	SizeThreshold          int `mapstructure:"size_threshold"`
	MaxPrecision           int `mapstructure:"max_precision"`
	MinPrecision           int `mapstructure:"min_precision"`
	MinPrecisionGeographic int `mapstructure:"min_precision_geographic"`
	SimplifySteps          int `mapstructure:"simplify_steps"`
	QuadSegments           int `mapstructure:"quad_segments"`
}

type IndexCfg struct {
	// H3 resolution used to cover geographic file and memory layers
	H3Resolution int `mapstructure:"h3_resolution"`
}

type CacheLimits struct {
	Entries int           `mapstructure:"entries"`
	Bytes   int64         `mapstructure:"bytes"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RedisCfg struct {
	Addr      string        `mapstructure:"addr"`
	TTL       time.Duration `mapstructure:"ttl"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type CacheCfg struct {
	Geometry   CacheLimits `mapstructure:"geometry"`
	Expression CacheLimits `mapstructure:"expression"`
	Structure  CacheLimits `mapstructure:"structure"`
	Redis      RedisCfg    `mapstructure:"redis"`
}

type PostgresCfg struct {
	DSN               string        `mapstructure:"dsn"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	StatementTimeout  time.Duration `mapstructure:"statement_timeout"`
}

type SQLiteCfg struct {
	Path string `mapstructure:"path"`
}

type BreakerCfg struct {
	Failures int           `mapstructure:"failures"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type RetryCfg struct {
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

type HistoryCfg struct {
	MaxDepth int `mapstructure:"max_depth"`
}

type OrchestratorCfg struct {
	Workers      int           `mapstructure:"workers"`
	JobRetention time.Duration `mapstructure:"job_retention"`
}

type KafkaTopicCfg struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

type KafkaCfg struct {
	Brokers      string        `mapstructure:"brokers"`
	Invalidation KafkaTopicCfg `mapstructure:"invalidation"`
	Events       KafkaTopicCfg `mapstructure:"events"`
}

// CollectionCfg seeds the catalog at startup.
type CollectionCfg struct {
	ID         string `mapstructure:"id"`
	Backend    string `mapstructure:"backend"`
	Schema     string `mapstructure:"schema"`
	Table      string `mapstructure:"table"`
	GeomColumn string `mapstructure:"geom_column"`
	PKColumn   string `mapstructure:"pk_column"`
	SRID       int    `mapstructure:"srid"`
	Path       string `mapstructure:"path"`
	Override   string `mapstructure:"override"`
	Fallback   string `mapstructure:"fallback"`
}

type Config struct {
	Server       ServerCfg       `mapstructure:"server"`
	Log          LogCfg          `mapstructure:"log"`
	Selector     SelectorCfg     `mapstructure:"selector"`
	Structures   StructureCfg    `mapstructure:"structures"`
	Geometry     GeometryCfg     `mapstructure:"geometry"`
	Index        IndexCfg        `mapstructure:"index"`
	Cache        CacheCfg        `mapstructure:"cache"`
	Postgres     PostgresCfg     `mapstructure:"postgres"`
	SQLite       SQLiteCfg       `mapstructure:"sqlite"`
	Breaker      BreakerCfg      `mapstructure:"breaker"`
	Retry        RetryCfg        `mapstructure:"retry"`
	History      HistoryCfg      `mapstructure:"history"`
	Orchestrator OrchestratorCfg `mapstructure:"orchestrator"`
	Kafka        KafkaCfg        `mapstructure:"kafka"`
	Collections  []CollectionCfg `mapstructure:"collections"`
}

// SetDefaults registers a default for every key so env overrides resolve
// through Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
	v.SetDefault("log.sample_n", 0)

	v.SetDefault("selector.relational_memory_max", 5_000)
	v.SetDefault("selector.embedded_structure_min", 50_000)

	v.SetDefault("structures.non_durable", true)
	v.SetDefault("structures.cluster_max_rows", 100_000)
	v.SetDefault("structures.min_rows", 10_000)
	v.SetDefault("structures.hot_threshold", 2.0)
	v.SetDefault("structures.hot_half_life", 10*time.Minute)
	v.SetDefault("structures.reclaim_age", time.Hour)
	v.SetDefault("structures.reclaim_interval", 10*time.Minute)
	v.SetDefault("structures.prefix", "gf_")
	v.SetDefault("structures.schema", "public")

	v.SetDefault("geometry.size_threshold", 100_000)
	v.SetDefault("geometry.max_precision", 10)
	v.SetDefault("geometry.min_precision", 2)
	v.SetDefault("geometry.min_precision_geographic", 6)
	v.SetDefault("geometry.simplify_steps", 8)
	v.SetDefault("geometry.quad_segments", 8)

	v.SetDefault("index.h3_resolution", 7)

	for _, c := range []string{"geometry", "expression", "structure"} {
		v.SetDefault("cache."+c+".entries", 512)
		v.SetDefault("cache."+c+".bytes", 64<<20)
		v.SetDefault("cache."+c+".ttl", 15*time.Minute)
	}
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.ttl", time.Hour)
	v.SetDefault("cache.redis.op_timeout", 250*time.Millisecond)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 8)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("postgres.health_check_period", 30*time.Second)
	v.SetDefault("postgres.statement_timeout", 60*time.Second)

	v.SetDefault("sqlite.path", "")

	v.SetDefault("breaker.failures", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.backoff", 100*time.Millisecond)

	v.SetDefault("history.max_depth", 100)

	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.job_retention", 30*time.Minute)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.invalidation.enabled", false)
	v.SetDefault("kafka.invalidation.topic", "geofilter-invalidation")
	v.SetDefault("kafka.invalidation.group_id", "geofilter")
	v.SetDefault("kafka.events.enabled", false)
	v.SetDefault("kafka.events.topic", "geofilter-events")
	v.SetDefault("kafka.events.group_id", "")
}

// BindFlags binds the flags shared by every command.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.Bool("log-console", false, "human readable console logs")
	f.String("postgres-dsn", "", "PostgreSQL connection string")
	f.String("sqlite-path", "", "SQLite database file")

	_ = v.BindPFlag("log.level", f.Lookup("log-level"))
	_ = v.BindPFlag("log.console", f.Lookup("log-console"))
	_ = v.BindPFlag("postgres.dsn", f.Lookup("postgres-dsn"))
	_ = v.BindPFlag("sqlite.path", f.Lookup("sqlite-path"))
}

// Load reads defaults, an optional config file and GEOFILTER_* env vars.
// A missing file is only an error when one was named explicitly.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("geofilter")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/geofilter")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &nf) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Orchestrator.Workers <= 0 {
		return errors.New("orchestrator.workers must be positive")
	}
	if c.History.MaxDepth <= 0 {
		return errors.New("history.max_depth must be positive")
	}
	if c.Breaker.Failures <= 0 {
		return errors.New("breaker.failures must be positive")
	}
	if c.Selector.RelationalMemoryMax < 0 || c.Selector.EmbeddedStructureMin < 0 {
		return errors.New("selector thresholds must not be negative")
	}
	if r := c.Index.H3Resolution; r < 0 || r > 15 {
		return errors.New("index.h3_resolution must be within [0,15]")
	}
	if c.Structures.Prefix == "" {
		return errors.New("structures.prefix is required")
	}
	seen := map[string]struct{}{}
	for _, col := range c.Collections {
		if col.ID == "" {
			return errors.New("collection without id")
		}
		if _, dup := seen[col.ID]; dup {
			return fmt.Errorf("duplicate collection %q", col.ID)
		}
		seen[col.ID] = struct{}{}
	}
	return nil
}

// BrokerList splits the comma separated broker string.
func (k KafkaCfg) BrokerList() []string {
	var out []string
	for p := range strings.SplitSeq(k.Brokers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
