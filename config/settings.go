package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"civicsync/resolver"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Settings is the process configuration, read from the environment (and .env).
type Settings struct {
	Port          string
	Env           string
	PublicURL     string
	MongoURI      string
	MongoDatabase string

	RedisAddress    string
	RedisPassword   string
	IssueLimitQueue string
	IssueDailyLimit int

	JWTSecret  string
	CORSOrigin []string

	MLAPIURL  string
	MLTimeout time.Duration

	APIRateLimitPerMinute int
	LogLevel              string

	Resolver resolver.Config
}

// Production reports whether the service runs with GO_ENV=production.
func (s Settings) Production() bool {
	return s.Env == "production"
}

func setDefaults(v *viper.Viper) {
	def := resolver.DefaultConfig()

	v.SetDefault("PORT", "8080")
	v.SetDefault("GO_ENV", "development")
	v.SetDefault("PUBLIC_URL", "")
	v.SetDefault("MONGODB_URI", "")
	v.SetDefault("MONGODB_DATABASE", "civicsync")
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_QUEUE_FOR_ISSUE_LIMIT", "issue_limit")
	v.SetDefault("ISSUE_DAILY_LIMIT", 10)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("CORS_ORIGIN", "http://localhost:5173")
	v.SetDefault("ML_API_URL", "")
	v.SetDefault("ML_TIMEOUT", "15s")
	v.SetDefault("API_RATE_LIMIT_PER_MINUTE", 100)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DUPLICATE_RADIUS_METERS", def.RadiusMeters)
	v.SetDefault("IMAGE_SIMILARITY_THRESHOLD", def.SimilarityThreshold)
	v.SetDefault("DUPLICATE_MAX_CANDIDATES", def.MaxCandidates)
	v.SetDefault("UNIFY_CATEGORY_TAXONOMIES", def.UnifyCategories)
}

// Load reads envFiles (missing files are skipped) into the environment, then builds
// Settings from it.
func Load(envFiles ...string) (Settings, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Settings, error) {
	s := Settings{
		Port:                  v.GetString("PORT"),
		Env:                   v.GetString("GO_ENV"),
		PublicURL:             v.GetString("PUBLIC_URL"),
		MongoURI:              v.GetString("MONGODB_URI"),
		MongoDatabase:         v.GetString("MONGODB_DATABASE"),
		RedisAddress:          v.GetString("REDIS_ADDRESS"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		IssueLimitQueue:       v.GetString("REDIS_QUEUE_FOR_ISSUE_LIMIT"),
		IssueDailyLimit:       v.GetInt("ISSUE_DAILY_LIMIT"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		CORSOrigin:            splitList(v.GetString("CORS_ORIGIN")),
		MLAPIURL:              v.GetString("ML_API_URL"),
		MLTimeout:             v.GetDuration("ML_TIMEOUT"),
		APIRateLimitPerMinute: v.GetInt("API_RATE_LIMIT_PER_MINUTE"),
		LogLevel:              strings.ToLower(v.GetString("LOG_LEVEL")),
		Resolver: resolver.Config{
			RadiusMeters:        v.GetFloat64("DUPLICATE_RADIUS_METERS"),
			SimilarityThreshold: v.GetFloat64("IMAGE_SIMILARITY_THRESHOLD"),
			MaxCandidates:       v.GetInt("DUPLICATE_MAX_CANDIDATES"),
			UnifyCategories:     v.GetBool("UNIFY_CATEGORY_TAXONOMIES"),
		},
	}
	if s.PublicURL == "" {
		s.PublicURL = "http://localhost:" + s.Port
	}

	if err := s.Resolver.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid duplicate resolution settings: %w", err)
	}
	if s.IssueDailyLimit <= 0 {
		return Settings{}, fmt.Errorf("ISSUE_DAILY_LIMIT must be positive (got %d)", s.IssueDailyLimit)
	}
	if s.APIRateLimitPerMinute <= 0 {
		return Settings{}, fmt.Errorf("API_RATE_LIMIT_PER_MINUTE must be positive (got %d)", s.APIRateLimitPerMinute)
	}
	return s, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
