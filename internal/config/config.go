package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	SourcePostgres = "postgres"
	SourceREST     = "rest"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	CORSOrigins     []string

	SourceKind    string `validate:"oneof=postgres rest"`
	DatabaseURL   string `validate:"required_if=SourceKind postgres"`
	BackendURL    string `validate:"required_if=SourceKind rest"`
	BackendAPIKey string `validate:"required_if=SourceKind rest"`

	PollInterval    time.Duration `validate:"gte=1s"`
	FreshnessWindow time.Duration `validate:"gt=0"`
	TileZoomLevel   int           `validate:"min=1,max=20"`

	MapModule       string        `validate:"required"`
	StylesheetURL   string        `validate:"omitempty,url"`
	IconBaseURL     string        `validate:"required,url"`
	LoadTimeout     time.Duration `validate:"gt=0"`
	TileURL         string        `validate:"required"`
	TileAttribution string
	TileMaxZoom     int           `validate:"min=1,max=22"`
	CenterLat       float64       `validate:"latitude"`
	CenterLng       float64       `validate:"longitude"`
	DefaultZoom     int           `validate:"min=1,max=22"`
	RetryBase       time.Duration `validate:"gt=0"`
	RetryCap        time.Duration `validate:"gtefield=RetryBase"`
	RetryAttempts   int           `validate:"min=1"`
	FitMaxMarkers   int           `validate:"min=1"`
	FitPadding      int           `validate:"min=0"`
	SingleZoom      int           `validate:"min=1,max=22"`

	GeoHighAccuracy bool
	GeoTimeout      time.Duration `validate:"gt=0"`
	GeoMaximumAge   time.Duration `validate:"gte=0"`
	GeoThrottle     time.Duration `validate:"gte=0"`

	RedisEnabled        bool
	RedisAddr           string `validate:"required_if=RedisEnabled true"`
	RedisPassword       string
	RedisDB             int `validate:"min=0"`
	CacheTTL            time.Duration
	CacheRestoreOnStart bool

	RateLimitPerWindow int           `validate:"min=1"`
	RateLimitWindow    time.Duration `validate:"gt=0"`
	RateLimitWhitelist []string
}

// fileConfig is the optional YAML overlay for map and polling settings.
// Environment variables take precedence over it.
type fileConfig struct {
	Map struct {
		Module          string  `yaml:"module"`
		StylesheetURL   string  `yaml:"stylesheet_url"`
		IconBaseURL     string  `yaml:"icon_base_url"`
		TileURL         string  `yaml:"tile_url"`
		TileAttribution string  `yaml:"tile_attribution"`
		TileMaxZoom     int     `yaml:"tile_max_zoom"`
		CenterLat       float64 `yaml:"center_lat"`
		CenterLng       float64 `yaml:"center_lng"`
		Zoom            int     `yaml:"zoom"`
	} `yaml:"map"`
	Poll struct {
		Interval string `yaml:"interval"`
		Window   string `yaml:"window"`
	} `yaml:"poll"`
	Geolocation struct {
		HighAccuracy *bool  `yaml:"high_accuracy"`
		Timeout      string `yaml:"timeout"`
		MaximumAge   string `yaml:"maximum_age"`
		Throttle     string `yaml:"throttle"`
	} `yaml:"geolocation"`
}

const (
	defaultTileURL         = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"
	defaultTileAttribution = "&copy; OpenStreetMap contributors"
	defaultIconBaseURL     = "https://unpkg.com/leaflet@1.9.4/dist/images"
	defaultStylesheetURL   = "https://unpkg.com/leaflet@1.9.4/dist/leaflet.css"
)

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var file fileConfig
	if path := os.Getenv("FLEETMAP_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	highAccuracy := true
	if file.Geolocation.HighAccuracy != nil {
		highAccuracy = *file.Geolocation.HighAccuracy
	}

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:     getCSVEnv("CORS_ORIGINS"),

		SourceKind:    strings.ToLower(getEnv("SOURCE", SourcePostgres)),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		BackendURL:    getEnv("BACKEND_URL", ""),
		BackendAPIKey: getEnv("BACKEND_API_KEY", ""),

		PollInterval:    getDurationEnv("POLL_INTERVAL", fileDuration(file.Poll.Interval, 30*time.Second)),
		FreshnessWindow: getDurationEnv("FRESHNESS_WINDOW", fileDuration(file.Poll.Window, 2*time.Hour)),
		TileZoomLevel:   getIntEnv("TILE_ZOOM_LEVEL", 14),

		MapModule:       getEnv("MAP_MODULE", orString(file.Map.Module, "scene")),
		StylesheetURL:   getEnv("MAP_STYLESHEET_URL", orString(file.Map.StylesheetURL, defaultStylesheetURL)),
		IconBaseURL:     getEnv("MAP_ICON_BASE_URL", orString(file.Map.IconBaseURL, defaultIconBaseURL)),
		LoadTimeout:     getDurationEnv("MAP_LOAD_TIMEOUT", 5*time.Second),
		TileURL:         getEnv("MAP_TILE_URL", orString(file.Map.TileURL, defaultTileURL)),
		TileAttribution: getEnv("MAP_TILE_ATTRIBUTION", orString(file.Map.TileAttribution, defaultTileAttribution)),
		TileMaxZoom:     getIntEnv("MAP_TILE_MAX_ZOOM", orInt(file.Map.TileMaxZoom, 19)),
		CenterLat:       getFloatEnv("MAP_CENTER_LAT", orFloat(file.Map.CenterLat, 41.0082)),
		CenterLng:       getFloatEnv("MAP_CENTER_LNG", orFloat(file.Map.CenterLng, 28.9784)),
		DefaultZoom:     getIntEnv("MAP_ZOOM", orInt(file.Map.Zoom, 12)),
		RetryBase:       getDurationEnv("MAP_RETRY_BASE", time.Second),
		RetryCap:        getDurationEnv("MAP_RETRY_CAP", 15*time.Second),
		RetryAttempts:   getIntEnv("MAP_RETRY_ATTEMPTS", 4),
		FitMaxMarkers:   getIntEnv("MAP_FIT_MAX_MARKERS", 50),
		FitPadding:      getIntEnv("MAP_FIT_PADDING", 50),
		SingleZoom:      getIntEnv("MAP_SINGLE_ZOOM", 15),

		GeoHighAccuracy: getBoolEnv("GEO_HIGH_ACCURACY", highAccuracy),
		GeoTimeout:      getDurationEnv("GEO_TIMEOUT", fileDuration(file.Geolocation.Timeout, 10*time.Second)),
		GeoMaximumAge:   getDurationEnv("GEO_MAXIMUM_AGE", fileDuration(file.Geolocation.MaximumAge, 30*time.Second)),
		GeoThrottle:     getDurationEnv("GEO_THROTTLE", fileDuration(file.Geolocation.Throttle, 5*time.Second)),

		RedisEnabled:        getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getIntEnv("REDIS_DB", 0),
		CacheTTL:            getDurationEnv("CACHE_TTL", 24*time.Hour),
		CacheRestoreOnStart: getBoolEnv("CACHE_RESTORE_ON_START", true),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}

func fileDuration(v string, defaultVal time.Duration) time.Duration {
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func orString(v, defaultVal string) string {
	if v != "" {
		return v
	}
	return defaultVal
}

func orInt(v, defaultVal int) int {
	if v != 0 {
		return v
	}
	return defaultVal
}

func orFloat(v, defaultVal float64) float64 {
	if v != 0 {
		return v
	}
	return defaultVal
}
