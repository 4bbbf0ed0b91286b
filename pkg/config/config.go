// Package config binds command-line flags, environment variables and an
// optional config file into the settings of a quotamgr server.
package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/treeverse/quotamgr/pkg/quota"
	"github.com/treeverse/quotamgr/pkg/s3usage"
)

var ConfigPrefix = "QUOTAMGR"

type Backend string

const (
	BackendSQL    Backend = "sql"
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"

	DefaultListen = "0.0.0.0:8080"

	configFile            = "config"
	listen                = "listen"
	logLevel              = "log-level"
	logFormat             = "log-format"
	backend               = "backend"
	dbDriver              = "db-driver"
	dbDSN                 = "db-dsn"
	redisAddr             = "redis-addr"
	redisKeyPrefix        = "redis-key-prefix"
	sqsName               = "sqs-name"
	pattern               = "pattern"
	replacement           = "replacement"
	usageSnapshot         = "usage-snapshot"
	defaultTemporaryQuota = "default-temporary-quota"
	clientTimeout         = "client-timeout"
)

var (
	envReplacer = strings.NewReplacer("-", "_")

	validBackends = []Backend{BackendSQL, BackendRedis, BackendMemory}
)

type Config interface {
	Listen() string
	LogLevel() zapcore.Level
	LogFormat() string
	Backend() Backend
	DBDriver() string
	DBDSN() string
	RedisAddr() string
	RedisKeyPrefix() string
	SQSName() string
	KeyPattern() *regexp.Regexp
	KeyReplacement() string
	UsageSnapshots() []string
	DefaultTemporaryQuota() int64
	ClientTimeout() time.Duration
}

type ConfigViper struct {
	v                     *viper.Viper
	backend               Backend
	keyPattern            *regexp.Regexp
	defaultTemporaryQuota int64
}

var _ Config = (*ConfigViper)(nil)

// InitFlags registers every setting on f.
func InitFlags(f *pflag.FlagSet) {
	f.String(configFile, "", "YAML config file; flags and "+ConfigPrefix+"_* environment variables override it")
	f.String(listen, DefaultListen, "Address for the internal HTTP API")
	f.String(logLevel, "info", "Log level: debug, info, warn or error")
	f.String(logFormat, "console", "Log format: console or json")

	f.String(backend, string(BackendSQL), "Store for usage counters and quota settings: sql, redis or memory")
	f.String(dbDriver, "pgx", "Database driver code")
	f.StringP(dbDSN, "d", "", "DSN to connect to database")
	f.String(redisAddr, "localhost:6379", "Redis address")
	f.String(redisKeyPrefix, "quotamgr:", "Prefix of every Redis key")

	f.StringP(sqsName, "q", "", "Name of queue on SQS with S3 events to process; none disables event processing")
	f.StringP(pattern, "p", s3usage.DefaultKeyPattern, "Regexp matching S3 paths to track")
	f.StringP(replacement, "r", s3usage.DefaultKeyReplacement, "Replacement on path matched by `--pattern' generating \"<class> <origin>\"")
	f.StringSlice(usageSnapshot, nil, "YAML usage snapshot files to report as clients")

	f.String(defaultTemporaryQuota, humanize.IBytes(uint64(quota.DefaultTemporaryQuota)), "Temporary global quota until one is set")
	f.Duration(clientTimeout, 10*time.Second, "Time each client has to report usage; 0 waits forever")
}

func NewConfig(v *viper.Viper, f *pflag.FlagSet) (*ConfigViper, error) {
	if err := v.BindPFlags(f); err != nil {
		return nil, err
	}
	bindEnvVars(v)

	if path := v.GetString(configFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	back := Backend(strings.ToLower(v.GetString(backend)))
	if !slices.Contains(validBackends, back) {
		return nil, fmt.Errorf("invalid backend %q, valid options are: %s", back, quoteStrings(validBackends))
	}
	if back == BackendSQL && v.GetString(dbDSN) == "" {
		return nil, fmt.Errorf("backend %s requires --%s", back, dbDSN)
	}

	keyPattern, err := regexp.Compile(v.GetString(pattern))
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", pattern, err)
	}

	q, err := humanize.ParseBytes(v.GetString(defaultTemporaryQuota))
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", defaultTemporaryQuota, err)
	}
	if q > uint64(quota.MaxTemporaryQuota) {
		return nil, fmt.Errorf("--%s: %s exceeds maximum %s", defaultTemporaryQuota,
			humanize.IBytes(q), humanize.IBytes(uint64(quota.MaxTemporaryQuota)))
	}

	if v.GetDuration(clientTimeout) < 0 {
		return nil, fmt.Errorf("--%s: negative duration", clientTimeout)
	}

	return &ConfigViper{
		v:                     v,
		backend:               back,
		keyPattern:            keyPattern,
		defaultTemporaryQuota: int64(q),
	}, nil
}

func bindEnvVars(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(envReplacer)
	v.SetEnvPrefix(ConfigPrefix)
}

func (c *ConfigViper) Listen() string {
	return c.v.GetString(listen)
}

func (c *ConfigViper) LogLevel() zapcore.Level {
	return ZapLogLevel(c.v.GetString(logLevel), zap.InfoLevel)
}

func (c *ConfigViper) LogFormat() string {
	return strings.ToLower(c.v.GetString(logFormat))
}

func (c *ConfigViper) Backend() Backend {
	return c.backend
}

func (c *ConfigViper) DBDriver() string {
	return c.v.GetString(dbDriver)
}

func (c *ConfigViper) DBDSN() string {
	return c.v.GetString(dbDSN)
}

func (c *ConfigViper) RedisAddr() string {
	return c.v.GetString(redisAddr)
}

func (c *ConfigViper) RedisKeyPrefix() string {
	return c.v.GetString(redisKeyPrefix)
}

func (c *ConfigViper) SQSName() string {
	return c.v.GetString(sqsName)
}

func (c *ConfigViper) KeyPattern() *regexp.Regexp {
	return c.keyPattern
}

func (c *ConfigViper) KeyReplacement() string {
	return c.v.GetString(replacement)
}

func (c *ConfigViper) UsageSnapshots() []string {
	return c.v.GetStringSlice(usageSnapshot)
}

func (c *ConfigViper) DefaultTemporaryQuota() int64 {
	return c.defaultTemporaryQuota
}

func (c *ConfigViper) ClientTimeout() time.Duration {
	return c.v.GetDuration(clientTimeout)
}

func quoteStrings[T ~string](vals []T) string {
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteRune('"')
		sb.WriteString(string(v))
		sb.WriteRune('"')
	}
	return sb.String()
}

var logLevelMap = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

func ZapLogLevel(strLevel string, defaultLevel zapcore.Level) zapcore.Level {
	if lvl, ok := logLevelMap[strings.ToLower(strLevel)]; ok {
		return lvl
	}
	return defaultLevel
}
