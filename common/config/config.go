package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func loadEnvString(key string, result *string) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	*result = s
}

func loadEnvUint(key string, result *uint) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	*result = uint(n)
}

func loadEnvInt(key string, result *int) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	*result = n
}

func loadEnvFloat(key string, result *float64) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return
	}
	*result = f
}

func loadEnvBool(key string, result *bool) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	*result = s == "true" || s == "1"
}

func loadEnvDuration(key string, result *time.Duration) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return
	}
	*result = d
}

/* Configuration */

/* Listen Configuration */

type listenConfig struct {
	Host string `json:"host"`
	Port uint   `json:"port"`
}

func (l listenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

func defaultListenConfig() listenConfig {
	return listenConfig{
		Host: "127.0.0.1",
		Port: 8080,
	}
}

func (l *listenConfig) loadFromEnv() {
	loadEnvString("LISTEN_HOST", &l.Host)
	loadEnvUint("LISTEN_PORT", &l.Port)
}

/* Partition Configuration */

type PartitionConfig struct {
	MinLat           float64 `json:"min_lat"`
	MinLng           float64 `json:"min_lng"`
	MaxLat           float64 `json:"max_lat"`
	MaxLng           float64 `json:"max_lng"`
	ChunkSizeDegrees float64 `json:"chunk_size_degrees"`
	OverlapDegrees   float64 `json:"overlap_degrees"`
	Scale            float64 `json:"scale"`
	Terrain          bool    `json:"terrain"`
	Interior         bool    `json:"interior"`
	Roof             bool    `json:"roof"`
	GroundLevel      int     `json:"ground_level"`
}

func defaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		// ~1km chunks with ~100m overlap at mid-latitudes
		ChunkSizeDegrees: 0.01,
		OverlapDegrees:   0.001,
		Scale:            1.0,
		Terrain:          false,
		Interior:         true,
		Roof:             true,
		GroundLevel:      -62,
	}
}

func (p *PartitionConfig) loadFromEnv() {
	loadEnvFloat("REGION_MIN_LAT", &p.MinLat)
	loadEnvFloat("REGION_MIN_LNG", &p.MinLng)
	loadEnvFloat("REGION_MAX_LAT", &p.MaxLat)
	loadEnvFloat("REGION_MAX_LNG", &p.MaxLng)
	loadEnvFloat("CHUNK_SIZE_DEGREES", &p.ChunkSizeDegrees)
	loadEnvFloat("CHUNK_OVERLAP_DEGREES", &p.OverlapDegrees)
	loadEnvFloat("WORLD_SCALE", &p.Scale)
	loadEnvBool("FEATURE_TERRAIN", &p.Terrain)
	loadEnvBool("FEATURE_INTERIOR", &p.Interior)
	loadEnvBool("FEATURE_ROOF", &p.Roof)
	loadEnvInt("GROUND_LEVEL", &p.GroundLevel)
}

/* Coordinator Configuration */

type CoordinatorConfig struct {
	JobID             string        `json:"job_id"`
	RetryBudget       int           `json:"retry_budget"`
	AssignmentTimeout time.Duration `json:"assignment_timeout"`
	ReclaimInterval   time.Duration `json:"reclaim_interval"`
	MergeOutputPath   string        `json:"merge_output_path"`
}

func defaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		JobID:             "default",
		RetryBudget:       3,
		AssignmentTimeout: 5 * time.Minute,
		ReclaimInterval:   30 * time.Second,
		MergeOutputPath:   "merged.json",
	}
}

func (c *CoordinatorConfig) loadFromEnv() {
	loadEnvString("JOB_ID", &c.JobID)
	loadEnvInt("RETRY_BUDGET", &c.RetryBudget)
	loadEnvDuration("ASSIGNMENT_TIMEOUT", &c.AssignmentTimeout)
	loadEnvDuration("RECLAIM_INTERVAL", &c.ReclaimInterval)
	loadEnvString("MERGE_OUTPUT_PATH", &c.MergeOutputPath)
}

/* Decomposer Configuration */

type DecomposerConfig struct {
	MaxFeaturesPerLeaf int           `json:"max_features_per_leaf"`
	Deadline           time.Duration `json:"deadline"`
	LoopIterationCap   int           `json:"loop_iteration_cap"`
}

func defaultDecomposerConfig() DecomposerConfig {
	return DecomposerConfig{
		MaxFeaturesPerLeaf: 64,
		Deadline:           25 * time.Second,
		LoopIterationCap:   100,
	}
}

func (d *DecomposerConfig) loadFromEnv() {
	loadEnvInt("DECOMPOSER_MAX_FEATURES_PER_LEAF", &d.MaxFeaturesPerLeaf)
	loadEnvDuration("DECOMPOSER_DEADLINE", &d.Deadline)
	loadEnvInt("DECOMPOSER_LOOP_ITERATION_CAP", &d.LoopIterationCap)
}

/* Cache Configuration */

type CacheConfig struct {
	Dir string `json:"dir"`
}

func defaultCacheConfig() CacheConfig {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = ".geoforge_cache"
	} else {
		dir = dir + string(os.PathSeparator) + "geoforge"
	}
	return CacheConfig{Dir: dir}
}

func (c *CacheConfig) loadFromEnv() {
	loadEnvString("CACHE_DIR", &c.Dir)
}

/* Worker Configuration */

type WorkerConfig struct {
	CoordinatorURL  string        `json:"coordinator_url"`
	DataSourceURL   string        `json:"data_source_url"`
	ResultDir       string        `json:"result_dir"`
	MemoryGB        int           `json:"memory_gb"`
	MaxIdlePolls    int           `json:"max_idle_polls"`
	PollInterval    time.Duration `json:"poll_interval"`
	MaxPollInterval time.Duration `json:"max_poll_interval"`
	LeafWorkers     int           `json:"leaf_workers"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

func defaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		CoordinatorURL:  "http://127.0.0.1:8080",
		DataSourceURL:   "",
		ResultDir:       "results",
		MemoryGB:        0,
		MaxIdlePolls:    10,
		PollInterval:    2 * time.Second,
		MaxPollInterval: time.Minute,
		LeafWorkers:     4,
		RequestTimeout:  30 * time.Second,
	}
}

func (w *WorkerConfig) loadFromEnv() {
	loadEnvString("COORDINATOR_URL", &w.CoordinatorURL)
	loadEnvString("DATA_SOURCE_URL", &w.DataSourceURL)
	loadEnvString("RESULT_DIR", &w.ResultDir)
	loadEnvInt("WORKER_MEMORY_GB", &w.MemoryGB)
	loadEnvInt("WORKER_MAX_IDLE_POLLS", &w.MaxIdlePolls)
	loadEnvDuration("WORKER_POLL_INTERVAL", &w.PollInterval)
	loadEnvDuration("WORKER_MAX_POLL_INTERVAL", &w.MaxPollInterval)
	loadEnvInt("WORKER_LEAF_WORKERS", &w.LeafWorkers)
	loadEnvDuration("WORKER_REQUEST_TIMEOUT", &w.RequestTimeout)
}

/* Redis Configuration */

type redisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     uint   `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (r *redisConfig) loadFromEnv() {
	loadEnvBool("REDIS_ENABLED", &r.Enabled)
	loadEnvString("REDIS_HOST", &r.Host)
	loadEnvUint("REDIS_PORT", &r.Port)
	loadEnvString("REDIS_PASSWORD", &r.Password)

	// Load DB number with a default of 0
	if dbStr := getEnv("REDIS_DB", "0"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			r.DB = db
		}
	}
}

func defaultRedisConfig() redisConfig {
	return redisConfig{
		Enabled:  false,
		Host:     "localhost",
		Port:     6379,
		Password: "",
		DB:       0,
	}
}

/* NATS Configuration */

type natsConfig struct {
	Enabled  bool
	Host     string
	Port     uint
	Username string
	Password string
}

func (c *natsConfig) loadFromEnv() {
	loadEnvBool("NATS_ENABLED", &c.Enabled)
	c.Host = getEnv("NATS_HOST", "localhost")

	// Load port with default 4222
	if portStr := getEnv("NATS_PORT", "4222"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			c.Port = uint(port)
		} else {
			c.Port = 4222
		}
	} else {
		c.Port = 4222
	}

	c.Username = getEnv("NATS_USER", "")
	c.Password = getEnv("NATS_PASSWORD", "")
}

func (c *natsConfig) URL() string {
	return fmt.Sprintf("nats://%s:%d", c.Host, c.Port)
}

func defaultNatsConfig() natsConfig {
	return natsConfig{
		Enabled:  false,
		Host:     "localhost",
		Port:     4222,
		Username: "",
		Password: "",
	}
}

type Config struct {
	Listen      listenConfig
	Partition   PartitionConfig
	Coordinator CoordinatorConfig
	Decomposer  DecomposerConfig
	Cache       CacheConfig
	Worker      WorkerConfig
	Redis       redisConfig
	Nats        natsConfig
}

func (c *Config) LoadFromEnv() {
	c.Listen.loadFromEnv()
	c.Partition.loadFromEnv()
	c.Coordinator.loadFromEnv()
	c.Decomposer.loadFromEnv()
	c.Cache.loadFromEnv()
	c.Worker.loadFromEnv()
	c.Redis.loadFromEnv()
	c.Nats.loadFromEnv()
}

func DefaultConfig() Config {
	return Config{
		Listen:      defaultListenConfig(),
		Partition:   defaultPartitionConfig(),
		Coordinator: defaultCoordinatorConfig(),
		Decomposer:  defaultDecomposerConfig(),
		Cache:       defaultCacheConfig(),
		Worker:      defaultWorkerConfig(),
		Redis:       defaultRedisConfig(),
		Nats:        defaultNatsConfig(),
	}
}

// RedisAddr returns the host:port address for the redis client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RedisEnabled reports whether the redis-backed job manager should be used.
func (c Config) RedisEnabled() bool { return c.Redis.Enabled }

// NatsEnabled reports whether lifecycle events should be published.
func (c Config) NatsEnabled() bool { return c.Nats.Enabled }

// NatsURL returns the NATS connection URL.
func (c Config) NatsURL() string { return c.Nats.URL() }

// RedisPassword returns the configured redis password.
func (c Config) RedisPassword() string { return c.Redis.Password }

// RedisDB returns the configured redis database number.
func (c Config) RedisDB() int { return c.Redis.DB }

// NatsUser returns the configured NATS username.
func (c Config) NatsUser() string { return c.Nats.Username }

// NatsPass returns the configured NATS password.
func (c Config) NatsPass() string { return c.Nats.Password }

// ListenAddr returns the coordinator listen address.
func (c Config) ListenAddr() string { return c.Listen.Addr() }
