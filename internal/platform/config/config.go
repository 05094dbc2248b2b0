package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr      string
	HTTP      HTTPConfig
	Redis     RedisConfig
	Breaker   BreakerConfig
	Admission AdmissionConfig
	Cache     CacheConfig
	// TenantMode makes the tenant header mandatory on guarded routes.
	TenantMode bool
}

// HTTPConfig bounds server-side request handling.
type HTTPConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// RedisConfig holds connection settings for the shared state store.
// An empty URL means Redis is not configured and the service runs with
// in-process state only (single-instance mode).
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BreakerConfig carries the circuit breaker defaults applied to every
// lazily created circuit.
type BreakerConfig struct {
	FailureThreshold   int
	SuccessThreshold   int
	OpenTimeout        time.Duration
	ErrorRateThreshold float64
	// DegradedPolicy decides what happens when the shared store is
	// unreachable: "allow" treats circuits as closed, "reject" as open.
	// The choice is deliberate configuration, never an implicit default
	// baked into call sites.
	DegradedPolicy string
}

// AdmissionConfig bounds per-resource concurrency and queueing.
type AdmissionConfig struct {
	MaxConcurrent int
	MaxQueueSize  int
	MaxQueueWait  time.Duration
	// RejectionsTripBreaker counts admission rejections toward circuit
	// failure counters. Off by default: load shedding is not the
	// downstream's fault.
	RejectionsTripBreaker bool
}

// CacheConfig carries per-tier TTLs for the conditional cache.
type CacheConfig struct {
	MemoryTTL      time.Duration
	DistributedTTL time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:       getString("BASTION_ADDR", ":8080"),
		TenantMode: os.Getenv("BASTION_TENANT_MODE") == "true",
		HTTP: HTTPConfig{
			ReadHeaderTimeout: getDuration("BASTION_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getDuration("BASTION_HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getDuration("BASTION_HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getDuration("BASTION_HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("BASTION_REDIS_URL"),
			PoolSize:     getInt("BASTION_REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("BASTION_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("BASTION_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("BASTION_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("BASTION_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold:   getInt("BASTION_CB_FAILURE_THRESHOLD", 5),
			SuccessThreshold:   getInt("BASTION_CB_SUCCESS_THRESHOLD", 3),
			OpenTimeout:        getDuration("BASTION_CB_OPEN_TIMEOUT", 60*time.Second),
			ErrorRateThreshold: getFloat("BASTION_CB_ERROR_RATE_THRESHOLD", 0.5),
			DegradedPolicy:     getString("BASTION_CB_DEGRADED_POLICY", "allow"),
		},
		Admission: AdmissionConfig{
			MaxConcurrent:         getInt("BASTION_ADMISSION_MAX_CONCURRENT", 64),
			MaxQueueSize:          getInt("BASTION_ADMISSION_MAX_QUEUE_SIZE", 128),
			MaxQueueWait:          getDuration("BASTION_ADMISSION_MAX_QUEUE_WAIT", 5*time.Second),
			RejectionsTripBreaker: os.Getenv("BASTION_ADMISSION_REJECTIONS_TRIP_BREAKER") == "true",
		},
		Cache: CacheConfig{
			MemoryTTL:      getDuration("BASTION_CACHE_TTL_MEMORY", 30*time.Second),
			DistributedTTL: getDuration("BASTION_CACHE_TTL_DISTRIBUTED", 5*time.Minute),
		},
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getDuration accepts Go duration strings ("90s", "5m") and, for
// compatibility with the *_SECONDS style options, bare integers as seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
