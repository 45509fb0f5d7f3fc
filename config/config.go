package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"mailprobe/models"
	"mailprobe/utils"
	"mailprobe/verifier"
	"mailprobe/worker"
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"-"`
	DB       int    `json:"db" validate:"min=0"`
}

type SMTPConfig struct {
	HeloDomain string        `json:"helo_domain" validate:"required"`
	MailFrom   string        `json:"mail_from" validate:"required"`
	Port       string        `json:"port" validate:"required"`
	Timeout    time.Duration `json:"timeout" validate:"gt=0"`
	// HostRate is probes per second per exchange host; zero disables it.
	HostRate  float64 `json:"host_rate" validate:"min=0"`
	HostBurst int     `json:"host_burst" validate:"min=0"`
}

type DNSConfig struct {
	// Server is host[:port] of a recursive resolver. Empty uses the
	// system resolver.
	Server      string        `json:"server"`
	Timeout     time.Duration `json:"timeout" validate:"gt=0"`
	CacheTTL    time.Duration `json:"cache_ttl" validate:"gt=0"`
	NegativeTTL time.Duration `json:"negative_ttl" validate:"gt=0"`
}

type WorkerConfig struct {
	Workers    int `json:"workers" validate:"min=1,max=256"`
	MaxRetries int `json:"max_retries" validate:"min=0,max=10"`
}

type AdmissionConfig struct {
	MaxConcurrentRequests int           `json:"max_concurrent_requests" validate:"min=1"`
	MaxPerRequester       int           `json:"max_per_requester" validate:"min=1"`
	QueueTimeout          time.Duration `json:"queue_timeout" validate:"gt=0"`
	MaxConnectionTime     time.Duration `json:"max_connection_time" validate:"gt=0"`
	MaxQueueLength        int           `json:"max_queue_length" validate:"min=0"`
	SweepInterval         time.Duration `json:"sweep_interval" validate:"gt=0"`
}

type RateLimitConfig struct {
	Max        int           `json:"max" validate:"min=0"`
	Expiration time.Duration `json:"expiration" validate:"gt=0"`
}

// PolicyFile is the optional YAML document that overrides the built-in
// domain lists and per-policy strategies. A non-empty list replaces the
// built-in one.
type PolicyFile struct {
	EnterpriseDomains []string             `yaml:"enterprise_domains"`
	PublicDomains     []string             `yaml:"public_domains"`
	DisposableDomains []string             `yaml:"disposable_domains"`
	Strategies        models.StrategyTable `yaml:"strategies"`
}

type Config struct {
	Environment  string          `json:"environment"`
	ServerPort   string          `json:"server_port" validate:"required"`
	LogLevel     string          `json:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat    string          `json:"log_format" validate:"oneof=text json"`
	SentryDSN    string          `json:"-"`
	JWTSecret    string          `json:"-"`
	APIKeys      []string        `json:"-"`
	JobRetention time.Duration   `json:"job_retention" validate:"gt=0"`
	WhoisTimeout time.Duration   `json:"whois_timeout" validate:"gt=0"`
	PolicyPath   string          `json:"policy_path"`
	Redis        RedisConfig     `json:"redis"`
	RateLimit    RateLimitConfig `json:"rate_limit"`
	SMTP         SMTPConfig      `json:"smtp"`
	DNS          DNSConfig       `json:"dns"`
	Worker       WorkerConfig    `json:"worker"`
	Admission    AdmissionConfig `json:"admission"`
	Policy       PolicyFile      `json:"-"`
}

// Load reads .env, the environment and args, in increasing precedence,
// then the policy file if one is named.
func Load(args []string) (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		ServerPort:   getEnv("SERVER_PORT", "5000"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
		SentryDSN:    getEnv("SENTRY_DSN", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		APIKeys:      getEnvAsList("API_KEYS"),
		JobRetention: getEnvAsDuration("JOB_RETENTION", time.Hour),
		WhoisTimeout: getEnvAsDuration("WHOIS_TIMEOUT", 10*time.Second),
		PolicyPath:   getEnv("POLICY_FILE", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Max:        getEnvAsInt("RATE_LIMIT_MAX", 60),
			Expiration: getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SMTP: SMTPConfig{
			HeloDomain: getEnv("SMTP_HELO_DOMAIN", "verify.mailprobe.local"),
			MailFrom:   getEnv("SMTP_MAIL_FROM", "probe@mailprobe.local"),
			Port:       getEnv("SMTP_PORT", "25"),
			Timeout:    getEnvAsDuration("SMTP_TIMEOUT", 15*time.Second),
			HostRate:   getEnvAsFloat("SMTP_HOST_RATE", 0),
			HostBurst:  getEnvAsInt("SMTP_HOST_BURST", 1),
		},
		DNS: DNSConfig{
			Server:      getEnv("DNS_SERVER", ""),
			Timeout:     getEnvAsDuration("DNS_TIMEOUT", 5*time.Second),
			CacheTTL:    getEnvAsDuration("DNS_CACHE_TTL", 6*time.Hour),
			NegativeTTL: getEnvAsDuration("DNS_NEGATIVE_TTL", 5*time.Minute),
		},
		Worker: WorkerConfig{
			Workers:    getEnvAsInt("WORKERS", worker.DefaultWorkers()),
			MaxRetries: getEnvAsInt("MAX_RETRIES", 2),
		},
		Admission: AdmissionConfig{
			MaxConcurrentRequests: getEnvAsInt("MAX_CONCURRENT_REQUESTS", 15),
			MaxPerRequester:       getEnvAsInt("MAX_PER_REQUESTER", 3),
			QueueTimeout:          getEnvAsDuration("QUEUE_TIMEOUT", 60*time.Second),
			MaxConnectionTime:     getEnvAsDuration("MAX_CONNECTION_TIME", 10*time.Minute),
			MaxQueueLength:        getEnvAsInt("MAX_QUEUE_LENGTH", 100),
			SweepInterval:         getEnvAsDuration("SWEEP_INTERVAL", 30*time.Second),
		},
		Policy: PolicyFile{Strategies: models.DefaultStrategies()},
	}

	flags := pflag.NewFlagSet("mailprobe", pflag.ContinueOnError)
	flags.StringVarP(&cfg.ServerPort, "port", "p", cfg.ServerPort, "HTTP listen port")
	flags.StringVar(&cfg.PolicyPath, "policy", cfg.PolicyPath, "YAML file with domain lists and strategies")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.PolicyPath != "" {
		if err := cfg.loadPolicy(cfg.PolicyPath); err != nil {
			return nil, err
		}
	}

	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadPolicy(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	// Strategies absent from the file keep their defaults.
	if err := yaml.Unmarshal(data, &c.Policy); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return nil
}

// Classifier builds the domain classifier from the policy lists, falling
// back to the built-in lists for any left unset.
func (p PolicyFile) Classifier() *verifier.Classifier {
	return verifier.NewClassifier(p.EnterpriseDomains, p.PublicDomains, p.DisposableDomains)
}

// Log prints the effective configuration without secrets.
func (c *Config) Log(logger *logrus.Entry) {
	logger.WithFields(logrus.Fields{
		"environment":     c.Environment,
		"port":            c.ServerPort,
		"workers":         c.Worker.Workers,
		"dns_server":      c.DNS.Server,
		"smtp_timeout":    c.SMTP.Timeout,
		"max_concurrent":  c.Admission.MaxConcurrentRequests,
		"max_per_request": c.Admission.MaxPerRequester,
		"redis":           c.Redis.Enabled,
		"sentry":          c.SentryDSN != "",
		"jwt":             c.JWTSecret != "",
		"policy_file":     c.PolicyPath,
	}).Info("Loaded configuration")
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
