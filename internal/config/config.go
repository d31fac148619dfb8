package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location. CONFIG_PATH overrides it.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	PublicBaseURL string `yaml:"publicBaseURL"`
	SiteName      string `yaml:"siteName"`

	SessionSecret       string `yaml:"sessionSecret"`
	SessionTTL          string `yaml:"sessionTTL"`
	ResetTokenSecret    string `yaml:"resetTokenSecret"`
	ResetTokenSingleUse bool   `yaml:"resetTokenSingleUse"`

	RedisAddr                  string   `yaml:"redisAddr"`
	RedisPassword              string   `yaml:"redisPassword"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	SignupRateLimitPerMinute   int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	PasswordRateLimitPerMinute int      `yaml:"passwordRateLimitPerMinute"`
	CORSAllowedOrigin          string   `yaml:"corsAllowedOrigin"`

	StorageBackend string `yaml:"storageBackend"`
	DataDir        string `yaml:"dataDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	MaxUploadBytes     int64    `yaml:"maxUploadBytes"`
	DocumentExtensions []string `yaml:"documentExtensions"`
	CoverExtensions    []string `yaml:"coverExtensions"`

	MailHost     string `yaml:"mailHost"`
	MailPort     int    `yaml:"mailPort"`
	MailUsername string `yaml:"mailUsername"`
	MailPassword string `yaml:"mailPassword"`
	MailFrom     string `yaml:"mailFrom"`
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&cfg.SessionSecret, "SESSION_SECRET")
	setString(&cfg.SessionTTL, "SESSION_TTL")
	setString(&cfg.ResetTokenSecret, "RESET_TOKEN_SECRET")
	setBool(&cfg.ResetTokenSingleUse, "RESET_TOKEN_SINGLE_USE")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	setInt(&cfg.SignupRateLimitPerMinute, "SIGNUP_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.PasswordRateLimitPerMinute, "PASSWORD_RATE_LIMIT_PER_MINUTE")
	setString(&cfg.StorageBackend, "STORAGE_BACKEND")
	setString(&cfg.DataDir, "STORAGE_DATA_DIR")
	if v := os.Getenv("STORAGE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("STORAGE_DOCUMENT_EXTENSIONS"); v != "" {
		cfg.DocumentExtensions = splitCSV(v)
	}
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")
	setString(&cfg.MailHost, "MAIL_HOST")
	setInt(&cfg.MailPort, "MAIL_PORT")
	setString(&cfg.MailUsername, "MAIL_USERNAME")
	setString(&cfg.MailPassword, "MAIL_PASSWORD")
	setString(&cfg.MailFrom, "MAIL_FROM")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "disk"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if len(cfg.DocumentExtensions) == 0 {
		cfg.DocumentExtensions = []string{".pdf"}
	}
	if len(cfg.CoverExtensions) == 0 {
		cfg.CoverExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}
	}
	cfg.DocumentExtensions = normalizeExtensions(cfg.DocumentExtensions)
	cfg.CoverExtensions = normalizeExtensions(cfg.CoverExtensions)
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if u, err := url.Parse(cfg.PublicBaseURL); cfg.PublicBaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("config: publicBaseURL must be an absolute URL (set in config.yaml or PUBLIC_BASE_URL)")
	}
	if len(strings.TrimSpace(cfg.SessionSecret)) < 16 {
		return errors.New("config: sessionSecret must be at least 16 characters (set SESSION_SECRET)")
	}
	if len(strings.TrimSpace(cfg.ResetTokenSecret)) < 16 {
		return errors.New("config: resetTokenSecret must be at least 16 characters (set RESET_TOKEN_SECRET)")
	}
	if cfg.ResetTokenSecret == cfg.SessionSecret {
		return errors.New("config: resetTokenSecret must differ from sessionSecret")
	}
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.PasswordRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	needsRedis := cfg.ResetTokenSingleUse || cfg.SignupRateLimitPerMinute > 0 ||
		cfg.LoginRateLimitPerMinute > 0 || cfg.PasswordRateLimitPerMinute > 0
	if needsRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and single-use reset tokens")
	}
	switch cfg.StorageBackend {
	case "disk":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio storage backend")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q (want disk or minio)", cfg.StorageBackend)
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.MailHost != "" && (cfg.MailPort <= 0 || cfg.MailFrom == "") {
		return errors.New("config: mailPort and mailFrom are required when mailHost is set")
	}
	return nil
}

// ParseSessionTTL parses the optional session TTL; empty means 24h.
func ParseSessionTTL(ttl string) (time.Duration, error) {
	if strings.TrimSpace(ttl) == "" {
		return 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(ttl))
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("config: sessionTTL must be positive")
	}
	return dur, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
