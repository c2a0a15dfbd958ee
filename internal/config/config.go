package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the desk core
type Config struct {
	Env      string
	LogLevel string

	APIBaseURL        string
	ControlChannelURL string

	SIPServer            string
	SIPDomain            string
	SIPRegisterExpiry    time.Duration
	SIPKeepAliveInterval time.Duration
	TrainingQueue        string

	HeartbeatInterval time.Duration
	MaxAuthRetries    int

	CognitoRegion      string
	CognitoClientID    string
	RefreshToken       string
	IDToken            string
	JWKSURL            string
	VerifyJWTSignature bool

	StatePath      string
	ControlAddr    string
	AllowedOrigins []string

	CustomerUpdateDebounce time.Duration
	DeviceWatchPath        string
	AsoundPath             string
}

// Load loads configuration from environment variables. envFiles are read
// first when present; a missing .env is not an error.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	config := &Config{
		Env:               getEnv("ENV", "production"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		APIBaseURL:        strings.TrimSuffix(getEnv("API_BASE_URL", "https://8n2m6cwkz3.execute-api.us-east-1.amazonaws.com/latest"), "/"),
		ControlChannelURL: getEnv("CONTROL_CHANNEL_URL", "wss://socket.lifeshieldmedicalalerts.com:8443/ws"),
		SIPServer:         getEnv("SIP_SERVER", "wss://sip.lifeshieldmedicalalerts.com:9443"),
		SIPDomain:         getEnv("SIP_DOMAIN", "sip.lifeshieldmedicalalerts.com"),
		TrainingQueue:     getEnv("TRAINING_QUEUE", "training@sip.lifeshieldmedicalalerts.com"),
		CognitoRegion:     getEnv("COGNITO_REGION", "us-east-1"),
		CognitoClientID:   getEnv("COGNITO_CLIENT_ID", ""),
		RefreshToken:      getEnv("REFRESH_TOKEN", ""),
		IDToken:           getEnv("ID_TOKEN", ""),
		JWKSURL:           getEnv("JWKS_URL", ""),
		StatePath:         getEnv("STATE_PATH", "agentdesk.db"),
		ControlAddr:       getEnv("CONTROL_ADDR", "127.0.0.1:7070"),
		AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		DeviceWatchPath:   getEnv("DEVICE_WATCH_PATH", "/dev/snd"),
		AsoundPath:        getEnv("ASOUND_PATH", "/proc/asound"),
	}

	var err error
	if config.SIPRegisterExpiry, err = seconds("SIP_REGISTER_EXPIRY", "300"); err != nil {
		return nil, err
	}
	if config.SIPKeepAliveInterval, err = seconds("SIP_KEEPALIVE_INTERVAL", "15"); err != nil {
		return nil, err
	}
	if config.HeartbeatInterval, err = seconds("HEARTBEAT_INTERVAL", "10"); err != nil {
		return nil, err
	}

	maxAuthRetries, err := strconv.Atoi(getEnv("MAX_AUTH_RETRIES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_AUTH_RETRIES: %w", err)
	}
	config.MaxAuthRetries = maxAuthRetries

	debounceMs, err := strconv.Atoi(getEnv("CUSTOMER_UPDATE_DEBOUNCE_MS", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid CUSTOMER_UPDATE_DEBOUNCE_MS: %w", err)
	}
	config.CustomerUpdateDebounce = time.Duration(debounceMs) * time.Millisecond

	// Signatures are verified outside development unless explicitly disabled
	verify := getEnv("VERIFY_JWT_SIGNATURE", "")
	switch {
	case verify != "":
		config.VerifyJWTSignature, err = strconv.ParseBool(verify)
		if err != nil {
			return nil, fmt.Errorf("invalid VERIFY_JWT_SIGNATURE: %w", err)
		}
	default:
		config.VerifyJWTSignature = config.Env != "development" && config.JWKSURL != ""
	}

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// IsDevelopment reports whether the desk runs against a development stack
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func seconds(key, defaultValue string) (time.Duration, error) {
	n, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return time.Duration(n) * time.Second, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
