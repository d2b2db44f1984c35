// Package session provides connection configuration and gocql session wiring
// for the Cassandra engine.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	gocql "github.com/apache/cassandra-gocql-driver/v2"
	"gopkg.in/yaml.v3"

	"github.com/theory-cloud/cqltheory/pkg/core"
)

// DefaultMaxQueryFanOut bounds how many native statements one logical query
// may expand into (OR branches, IN expansion, geohash covers).
const DefaultMaxQueryFanOut = 10

// DefaultReplicationFactor is used for keyspace DDL when the config leaves
// it unset.
const DefaultReplicationFactor = 1

// Config holds the connection and engine settings. The zero value is usable
// for tests that never dial; NewSession requires at least one host.
type Config struct {
	Hosts    []string `yaml:"hosts"`
	Keyspace string   `yaml:"keyspace"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	// Consistency is the session-wide default level. Empty defers to the
	// driver default (QUORUM). Individual statements may override it.
	Consistency core.Consistency `yaml:"consistency"`

	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// PageSize is the driver fetch size for unpaged iteration. Zero keeps
	// the driver default.
	PageSize int `yaml:"page_size"`

	// MaxQueryFanOut caps the native statements a single query may fan out
	// into. Zero means DefaultMaxQueryFanOut.
	MaxQueryFanOut int `yaml:"max_query_fan_out"`

	// ReplicationFactor feeds keyspace DDL. Zero means
	// DefaultReplicationFactor.
	ReplicationFactor int `yaml:"replication_factor"`

	// Logger receives warnings from degraded paths (unsupported indexes,
	// introspection failures, abandoned schema elements). Nil installs a
	// text handler on stderr at LevelWarn.
	Logger *slog.Logger `yaml:"-"`
}

// UnmarshalYAML decodes the YAML shape of Config, accepting Go duration
// strings ("500ms", "10s") for the timeout fields.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Hosts             []string `yaml:"hosts"`
		Keyspace          string   `yaml:"keyspace"`
		Username          string   `yaml:"username"`
		Password          string   `yaml:"password"`
		Consistency       string   `yaml:"consistency"`
		Timeout           string   `yaml:"timeout"`
		ConnectTimeout    string   `yaml:"connect_timeout"`
		PageSize          int      `yaml:"page_size"`
		MaxQueryFanOut    int      `yaml:"max_query_fan_out"`
		ReplicationFactor int      `yaml:"replication_factor"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	timeout, err := parseDuration("timeout", raw.Timeout)
	if err != nil {
		return err
	}
	connectTimeout, err := parseDuration("connect_timeout", raw.ConnectTimeout)
	if err != nil {
		return err
	}

	c.Hosts = raw.Hosts
	c.Keyspace = raw.Keyspace
	c.Username = raw.Username
	c.Password = raw.Password
	c.Consistency = core.Consistency(raw.Consistency)
	c.Timeout = timeout
	c.ConnectTimeout = connectTimeout
	c.PageSize = raw.PageSize
	c.MaxQueryFanOut = raw.MaxQueryFanOut
	c.ReplicationFactor = raw.ReplicationFactor
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config field %s: %w", field, err)
	}
	return d, nil
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// WithDefaults returns the config with unset engine knobs resolved to their
// defaults. Connection fields are left alone.
func (c Config) WithDefaults() Config {
	if c.MaxQueryFanOut <= 0 {
		c.MaxQueryFanOut = DefaultMaxQueryFanOut
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = DefaultReplicationFactor
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
	return c
}

// DefaultLogger returns the logger installed when Config.Logger is nil:
// warnings and above, text format, stderr.
func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// ParseConsistency maps a consistency name onto the driver constant. Empty
// and unknown names fall back to QUORUM, the driver default.
func ParseConsistency(level core.Consistency) gocql.Consistency {
	switch level {
	case core.ConsistencyOne:
		return gocql.One
	case core.ConsistencyLocalOne:
		return gocql.LocalOne
	case core.ConsistencyQuorum:
		return gocql.Quorum
	case core.ConsistencyLocalQuorum:
		return gocql.LocalQuorum
	case core.ConsistencyEachQuorum:
		return gocql.EachQuorum
	case core.ConsistencyAll:
		return gocql.All
	default:
		return gocql.Quorum
	}
}

// Session wraps one gocql session together with the resolved configuration.
type Session struct {
	config  Config
	session *gocql.Session
}

// NewSession dials the cluster described by cfg. The session is created
// without a bound keyspace so DDL can create the keyspace on first use;
// every generated statement qualifies its table with the keyspace name.
func NewSession(cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()

	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("session: at least one host required")
	}
	if cfg.Keyspace == "" {
		return nil, fmt.Errorf("session: keyspace required")
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Consistency != core.ConsistencyDefault {
		cluster.Consistency = ParseConsistency(cfg.Consistency)
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.PageSize > 0 {
		cluster.PageSize = cfg.PageSize
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	sess, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("session: connect %v: %w", cfg.Hosts, err)
	}

	return &Session{config: cfg, session: sess}, nil
}

// Config returns the resolved configuration.
func (s *Session) Config() Config {
	return s.config
}

// Session exposes the underlying driver session.
func (s *Session) Session() *gocql.Session {
	return s.session
}

// Logger returns the resolved logger.
func (s *Session) Logger() *slog.Logger {
	return s.config.Logger
}

// Close shuts the driver session down.
func (s *Session) Close() {
	if s.session != nil {
		s.session.Close()
	}
}
