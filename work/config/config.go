package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultConfigPath is where the relay looks for its settings unless RELAY_CONFIG says otherwise.
const DefaultConfigPath = "/settings/config.json"

// DefaultUserAgent is the browser-like agent presented to upstream stream and image servers.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds all application configuration values for the relay server.
// It covers the HTTP surface, upstream behaviour, caching and adaptive-quality tuning.
type Config struct {
	Port                      int           `json:"port"`                      // TCP port the HTTP server listens on
	BaseURL                   string        `json:"baseURL"`                   // Public base URL (used in logs and redirects)
	Debug                     bool          `json:"debug"`                     // Enable debug logging
	LogLevel                  string        `json:"logLevel"`                  // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls             bool          `json:"obfuscateUrls"`             // Obfuscate URLs in logs for security
	StreamTimeout             time.Duration `json:"streamTimeout"`             // Idle socket timeout for upstream connections
	UserAgent                 string        `json:"userAgent"`                 // User-Agent sent upstream
	MaxConnectionsToApp       int           `json:"maxConnectionsToApp"`       // Maximum concurrent stream relays
	MaxRedirects              int           `json:"maxRedirects"`              // Upstream redirects followed server-side (0 = hand back to client)
	WorkerThreads             int           `json:"workerThreads"`             // Size of the background worker pool
	CacheDuration             time.Duration `json:"cacheDuration"`             // TTL of cached playlist/xtream/epg responses
	ImageCacheSize            int           `json:"imageCacheSize"`            // Maximum number of cached images
	ImageCacheMaxBytes        int64         `json:"imageCacheMaxBytes"`        // Maximum total bytes of cached images
	MaxImageBytes             int64         `json:"maxImageBytes"`             // Largest image the proxy will fetch
	ImageCacheTTL             time.Duration `json:"imageCacheTTL"`             // Lifetime of a cached image
	DatabasePath              string        `json:"databasePath"`              // SQLite file backing the image cache ("" disables persistence)
	BrowserTLSHosts           []string      `json:"browserTLSHosts"`           // Image hosts fetched with a browser TLS fingerprint
	UpstreamRateLimit         int           `json:"upstreamRateLimit"`         // Requests per second per upstream host for API calls
	QualityUpgradeThreshold   float64       `json:"qualityUpgradeThreshold"`   // Buffer health at or above which quality goes up
	QualityDowngradeThreshold float64       `json:"qualityDowngradeThreshold"` // Buffer health at or below which quality goes down
	AllowedStreamExtensions   []string      `json:"allowedStreamExtensions"`   // Path fragments accepted by the stream relay
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "60s") are parsed into time.Duration values.
type ConfigFile struct {
	Port                      int      `json:"port"`
	BaseURL                   string   `json:"baseURL"`
	Debug                     bool     `json:"debug"`
	LogLevel                  string   `json:"logLevel"`
	ObfuscateUrls             bool     `json:"obfuscateUrls"`
	StreamTimeout             string   `json:"streamTimeout"`
	UserAgent                 string   `json:"userAgent"`
	MaxConnectionsToApp       int      `json:"maxConnectionsToApp"`
	MaxRedirects              int      `json:"maxRedirects"`
	WorkerThreads             int      `json:"workerThreads"`
	CacheDuration             string   `json:"cacheDuration"`
	ImageCacheSize            int      `json:"imageCacheSize"`
	ImageCacheMaxBytes        int64    `json:"imageCacheMaxBytes"`
	MaxImageBytes             int64    `json:"maxImageBytes"`
	ImageCacheTTL             string   `json:"imageCacheTTL"`
	DatabasePath              string   `json:"databasePath"`
	BrowserTLSHosts           []string `json:"browserTLSHosts"`
	UpstreamRateLimit         int      `json:"upstreamRateLimit"`
	QualityUpgradeThreshold   float64  `json:"qualityUpgradeThreshold"`
	QualityDowngradeThreshold float64  `json:"qualityDowngradeThreshold"`
	AllowedStreamExtensions   []string `json:"allowedStreamExtensions"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads the path from RELAY_CONFIG, defaulting to `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Applies RELAY_PORT / RELAY_DEBUG environment overrides.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	config, err := Load(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
		applyEnvOverrides(config)
		validateAndSetDefaults(config)
	}

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Port: %d", config.Port)
		log.Printf("  Stream Timeout: %s", config.StreamTimeout)
		log.Printf("  Database: %s", config.DatabasePath)
		log.Printf("  Obfuscate URLs: %v", config.ObfuscateUrls)
		log.Printf("  Max Connections to App: %d", config.MaxConnectionsToApp)
	}

	return config
}

// Load reads, converts and validates the configuration at path without touching
// the cached singleton.
func Load(path string) (*Config, error) {
	config, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(config)
	validateAndSetDefaults(config)
	return config, nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration. Empty duration strings stay zero
// and are filled in by validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		Port:                      cf.Port,
		BaseURL:                   cf.BaseURL,
		Debug:                     cf.Debug,
		LogLevel:                  cf.LogLevel,
		ObfuscateUrls:             cf.ObfuscateUrls,
		UserAgent:                 cf.UserAgent,
		MaxConnectionsToApp:       cf.MaxConnectionsToApp,
		MaxRedirects:              cf.MaxRedirects,
		WorkerThreads:             cf.WorkerThreads,
		ImageCacheSize:            cf.ImageCacheSize,
		ImageCacheMaxBytes:        cf.ImageCacheMaxBytes,
		MaxImageBytes:             cf.MaxImageBytes,
		DatabasePath:              cf.DatabasePath,
		BrowserTLSHosts:           cf.BrowserTLSHosts,
		UpstreamRateLimit:         cf.UpstreamRateLimit,
		QualityUpgradeThreshold:   cf.QualityUpgradeThreshold,
		QualityDowngradeThreshold: cf.QualityDowngradeThreshold,
		AllowedStreamExtensions:   cf.AllowedStreamExtensions,
	}

	var err error
	if config.StreamTimeout, err = parseDuration(cf.StreamTimeout); err != nil {
		return nil, fmt.Errorf("invalid streamTimeout: %w", err)
	}
	if config.CacheDuration, err = parseDuration(cf.CacheDuration); err != nil {
		return nil, fmt.Errorf("invalid cacheDuration: %w", err)
	}
	if config.ImageCacheTTL, err = parseDuration(cf.ImageCacheTTL); err != nil {
		return nil, fmt.Errorf("invalid imageCacheTTL: %w", err)
	}

	return config, nil
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		Port:                      8080,
		BaseURL:                   "http://localhost:8080",
		Debug:                     false,
		LogLevel:                  "INFO",
		ObfuscateUrls:             true,
		StreamTimeout:             60 * time.Second,
		UserAgent:                 DefaultUserAgent,
		MaxConnectionsToApp:       100,
		MaxRedirects:              0,
		WorkerThreads:             8,
		CacheDuration:             10 * time.Minute,
		ImageCacheSize:            500,
		ImageCacheMaxBytes:        64 << 20,
		MaxImageBytes:             10 << 20,
		ImageCacheTTL:             24 * time.Hour,
		DatabasePath:              "/settings/images.db",
		UpstreamRateLimit:         10,
		QualityUpgradeThreshold:   0.7,
		QualityDowngradeThreshold: 0.3,
		AllowedStreamExtensions:   DefaultStreamExtensions(),
	}
}

// DefaultStreamExtensions lists the path fragments the stream relay accepts.
func DefaultStreamExtensions() []string {
	return []string{".m3u8", ".ts", ".mp4", ".mkv", ".avi", ".mov"}
}

// applyEnvOverrides lets the process environment (or a .env file loaded at
// startup) override a handful of deployment-specific values.
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("RELAY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			config.Port = p
		}
	}
	if debug := os.Getenv("RELAY_DEBUG"); debug != "" {
		if d, err := strconv.ParseBool(debug); err == nil {
			config.Debug = d
		}
	}
	if dbPath, ok := os.LookupEnv("RELAY_DATABASE"); ok {
		config.DatabasePath = dbPath
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	defaults := getDefaultConfig()

	if config.Port <= 0 || config.Port > 65535 {
		config.Port = defaults.Port
	}
	if config.BaseURL == "" {
		config.BaseURL = fmt.Sprintf("http://localhost:%d", config.Port)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = defaults.StreamTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.MaxConnectionsToApp <= 0 {
		config.MaxConnectionsToApp = defaults.MaxConnectionsToApp
	}
	if config.MaxRedirects < 0 {
		config.MaxRedirects = 0
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = defaults.WorkerThreads
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = defaults.CacheDuration
	}
	if config.ImageCacheSize <= 0 {
		config.ImageCacheSize = defaults.ImageCacheSize
	}
	if config.ImageCacheMaxBytes <= 0 {
		config.ImageCacheMaxBytes = defaults.ImageCacheMaxBytes
	}
	if config.MaxImageBytes <= 0 {
		config.MaxImageBytes = defaults.MaxImageBytes
	}
	if config.ImageCacheTTL <= 0 {
		config.ImageCacheTTL = defaults.ImageCacheTTL
	}
	if config.UpstreamRateLimit <= 0 {
		config.UpstreamRateLimit = defaults.UpstreamRateLimit
	}
	if config.QualityUpgradeThreshold <= 0 || config.QualityUpgradeThreshold > 1 {
		config.QualityUpgradeThreshold = defaults.QualityUpgradeThreshold
	}
	if config.QualityDowngradeThreshold <= 0 || config.QualityDowngradeThreshold >= config.QualityUpgradeThreshold {
		config.QualityDowngradeThreshold = defaults.QualityDowngradeThreshold
	}
	if len(config.AllowedStreamExtensions) == 0 {
		config.AllowedStreamExtensions = defaults.AllowedStreamExtensions
	}
	for i, ext := range config.AllowedStreamExtensions {
		config.AllowedStreamExtensions[i] = strings.ToLower(strings.TrimSpace(ext))
	}
	for i, host := range config.BrowserTLSHosts {
		config.BrowserTLSHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
	// DatabasePath may remain empty: persistence is then disabled
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		Port:                      8080,
		BaseURL:                   "http://localhost:8080",
		Debug:                     false,
		LogLevel:                  "INFO",
		ObfuscateUrls:             true,
		StreamTimeout:             "60s",
		UserAgent:                 DefaultUserAgent,
		MaxConnectionsToApp:       100,
		MaxRedirects:              0,
		WorkerThreads:             8,
		CacheDuration:             "10m",
		ImageCacheSize:            500,
		ImageCacheMaxBytes:        64 << 20,
		MaxImageBytes:             10 << 20,
		ImageCacheTTL:             "24h",
		DatabasePath:              "/settings/images.db",
		BrowserTLSHosts:           []string{},
		UpstreamRateLimit:         10,
		QualityUpgradeThreshold:   0.7,
		QualityDowngradeThreshold: 0.3,
		AllowedStreamExtensions:   DefaultStreamExtensions(),
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// UsesBrowserTLS reports whether host (or a parent domain of it) is listed in BrowserTLSHosts.
func (c *Config) UsesBrowserTLS(host string) bool {
	host = strings.ToLower(host)
	for _, h := range c.BrowserTLSHosts {
		if h == "" {
			continue
		}
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// ListenAddr returns the address handed to http.Server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
