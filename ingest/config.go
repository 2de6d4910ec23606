package ingest

import (
	"time"

	"ingestmgr.evalgo.org/config"
)

// LockMode selects the URILockRegistry implementation the coordinator
// wires up.
type LockMode string

const (
	LockModeInProcess LockMode = "inprocess"
	LockModeRedis     LockMode = "redis"
)

// Config is the ingestion manager's runtime configuration, loaded the way
// config.EnvConfig/Validator load the rest of the ambient stack's
// configuration structs.
type Config struct {
	DSN                string
	MaxIdleConns       int
	MaxOpenConns       int
	ChunkSize          int
	LockMode           LockMode
	RedisURL           string
	DeadlockBackoffMin time.Duration
	DeadlockBackoffMax time.Duration
	ActivityDSN        string // defaults to DSN when empty
}

// LoadConfig loads Config from the environment using the given prefix
// (e.g. "INGEST"), mirroring config.LoadDatabaseConfig/LoadServerConfig.
func LoadConfig(prefix string) (Config, error) {
	env := config.NewEnvConfig(prefix)

	cfg := Config{
		DSN:                env.GetString("DSN", ""),
		MaxIdleConns:       env.GetInt("MAX_IDLE_CONNS", 10),
		MaxOpenConns:       env.GetInt("MAX_OPEN_CONNS", 100),
		ChunkSize:          env.GetInt("CHUNK_SIZE", 500),
		LockMode:           LockMode(env.GetString("LOCK_MODE", string(LockModeInProcess))),
		RedisURL:           env.GetString("REDIS_URL", "redis://localhost:6379/0"),
		DeadlockBackoffMin: env.GetDuration("DEADLOCK_BACKOFF_MIN", 10*time.Millisecond),
		DeadlockBackoffMax: env.GetDuration("DEADLOCK_BACKOFF_MAX", 2*time.Second),
		ActivityDSN:        env.GetString("ACTIVITY_DSN", ""),
	}
	if cfg.ActivityDSN == "" {
		cfg.ActivityDSN = cfg.DSN
	}

	v := config.NewValidator()
	v.RequireString("DSN", cfg.DSN)
	v.RequirePositiveInt("MaxOpenConns", cfg.MaxOpenConns)
	v.RequirePositiveInt("ChunkSize", cfg.ChunkSize)
	v.RequireOneOf("LockMode", string(cfg.LockMode), []string{string(LockModeInProcess), string(LockModeRedis)})
	if cfg.LockMode == LockModeRedis {
		v.RequireString("RedisURL", cfg.RedisURL)
	}
	if err := v.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
