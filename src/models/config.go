package models

// MConfig Structure
type MConfig struct {
	Name      string            `yaml:"name"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	LogLevel  string            `yaml:"log_level"`
	Cache     MCacheConfig      `yaml:"cache"`
	Coalesce  MCoalesceConfig   `yaml:"coalescing"`
	Workers   MWorkersConfig    `yaml:"workers"`
	Streaming MStreamingConfig  `yaml:"streaming"`
	Limits    MLimitsConfig     `yaml:"limits"`
	Providers []MProviderConfig `yaml:"providers"`
}

type MCacheConfig struct {
	// Backend selects the TimeSeriesStore implementation: "local" or "redis".
	Backend             string `yaml:"backend"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
	RedisDB             int    `yaml:"redis_db"`
	ReleaseAfterMinutes int    `yaml:"release_cache_after_minutes"`
}

type MCoalesceConfig struct {
	// Salted makes every history request fingerprint unique, trading
	// deduplication for strict per-connection request/response pairing.
	Salted bool `yaml:"salted"`
}

type MWorkersConfig struct {
	IndicatorWorkers int `yaml:"indicator_workers"`
	IndicatorQueue   int `yaml:"indicator_queue"`
	HistoryWorkers   int `yaml:"history_workers"`
}

type MStreamingConfig struct {
	StartCooldownSeconds   int `yaml:"start_cooldown_seconds"`
	StopCooldownSeconds    int `yaml:"stop_cooldown_seconds"`
	NoActivitySeconds      int `yaml:"no_activity_seconds"`
	MaxOutstandingRequests int `yaml:"max_outstanding_requests"`
}

type MLimitsConfig struct {
	MaxRequestsPerIPPerHour     int      `yaml:"max_requests_per_ip_per_hour"`
	MaxDataRequestsPerIPPerHour int      `yaml:"max_data_requests_per_ip_per_hour"`
	MaxConnectionsPerIP         int      `yaml:"max_connections_per_ip"`
	WhitelistIP                 []string `yaml:"whitelist_ip"`
}

type MProviderConfig struct {
	Name                string   `yaml:"name"`
	Type                string   `yaml:"type"` // "binance" or "stocks"
	APIKey              string   `yaml:"api_key"`
	APISecret           string   `yaml:"api_secret"`
	Symbols             []string `yaml:"symbols"` // stocks backend only
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
}
