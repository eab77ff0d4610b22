package config

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for the daemon.
type GatewayConfig struct {
	Environment string
	HTTPAddress string

	LogFile       string
	LogLevel      string
	LogMaxBytes   int64
	LogMaxBackups int

	// Backend connection
	BackendBaseURL        string
	Token                 string
	Cookie                string
	DeviceID              string
	AppID                 string
	ClientType            string
	BackendRequestTimeout time.Duration
	ConfirmTimeout        time.Duration

	// Sessions
	SessionTTL               time.Duration
	NewConversationThreshold int
	SessionSweepInterval     time.Duration

	// Model catalog
	ModelPrefix            string
	DefaultBackendModel    string
	CatalogSeedFile        string
	CatalogRefreshInterval time.Duration

	// Usage ledger; both empty disables it
	LedgerPath  string
	LedgerDSN   string
	LedgerAsync bool

	// Inbound limits; RateLimitRPS <= 0 disables limiting
	RateLimitRPS   float64
	RateLimitBurst int

	CORSAllowedOrigins []string

	ShutdownTimeout time.Duration
}

// LoadGatewayConfig reads the current environment and loads the appropriate
// gateway config file. Environment variables override file values.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return GatewayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(env, key, fallback string) string {
		return strings.TrimSpace(firstNonEmpty(os.Getenv(env), merged[key], fallback))
	}

	cfg := GatewayConfig{
		Environment:         s.Environment,
		HTTPAddress:         get("ANUNEKO_HTTP_ADDRESS", "http_address", hostPort()),
		LogFile:             get("ANUNEKO_LOG_FILE", "log_file", defaultLogFile()),
		LogLevel:            strings.ToLower(get("ANUNEKO_LOG_LEVEL", "log_level", "info")),
		BackendBaseURL:      get("ANUNEKO_BASE_URL", "backend_base_url", "https://anuneko.com/api/v1"),
		Token:               get("ANUNEKO_TOKEN", "token", ""),
		Cookie:              get("ANUNEKO_COOKIE", "cookie", ""),
		DeviceID:            get("ANUNEKO_DEVICE_ID", "device_id", ""),
		AppID:               get("ANUNEKO_APP_ID", "app_id", ""),
		ClientType:          get("ANUNEKO_CLIENT_TYPE", "client_type", ""),
		ModelPrefix:         get("ANUNEKO_MODEL_PREFIX", "model_prefix", "mihoyo"),
		DefaultBackendModel: get("ANUNEKO_DEFAULT_MODEL", "default_backend_model", "Orange Cat"),
		CatalogSeedFile:     get("ANUNEKO_CATALOG_SEED_FILE", "catalog_seed_file", ""),
		LedgerPath:          get("ANUNEKO_LEDGER_PATH", "ledger_path", ""),
		LedgerDSN:           get("ANUNEKO_LEDGER_DSN", "ledger_dsn", ""),
		LedgerAsync:         parseOptionalBool(get("ANUNEKO_LEDGER_ASYNC", "ledger_async", ""), false),
		CORSAllowedOrigins:  parseCSV(get("ANUNEKO_CORS_ALLOWED_ORIGINS", "cors_allowed_origins", "*")),
	}

	var errs []error
	intVal := func(env, key string, fallback int) int {
		v := get(env, key, "")
		if v == "" {
			return fallback
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: invalid integer %q", key, v))
			return fallback
		}
		return n
	}
	durVal := func(env, key string, fallback time.Duration) time.Duration {
		v := get(env, key, "")
		if v == "" {
			return fallback
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return fallback
		}
		return d
	}

	cfg.LogMaxBytes = int64(intVal("ANUNEKO_LOG_MAX_BYTES", "log_max_bytes", 10240000))
	cfg.LogMaxBackups = intVal("ANUNEKO_LOG_MAX_BACKUPS", "log_max_backups", 10)
	cfg.BackendRequestTimeout = durVal("ANUNEKO_REQUEST_TIMEOUT", "backend_request_timeout", 10*time.Second)
	cfg.ConfirmTimeout = durVal("ANUNEKO_CONFIRM_TIMEOUT", "confirm_timeout", 5*time.Second)
	cfg.SessionTTL = durVal("SESSION_TTL", "session_ttl", 7200*time.Second)
	cfg.NewConversationThreshold = intVal("NEW_CONVERSATION_THRESHOLD", "new_conversation_threshold", 1)
	cfg.SessionSweepInterval = durVal("ANUNEKO_SESSION_SWEEP_INTERVAL", "session_sweep_interval", 10*time.Minute)
	cfg.CatalogRefreshInterval = durVal("ANUNEKO_CATALOG_REFRESH_INTERVAL", "catalog_refresh_interval", 0)
	cfg.RateLimitBurst = intVal("ANUNEKO_RATE_LIMIT_BURST", "rate_limit_burst", 10)
	cfg.ShutdownTimeout = durVal("ANUNEKO_SHUTDOWN_TIMEOUT", "shutdown_timeout", 10*time.Second)
	if v := get("ANUNEKO_RATE_LIMIT_RPS", "rate_limit_rps", ""); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: rate_limit_rps: invalid number %q", v))
		} else {
			cfg.RateLimitRPS = rps
		}
	}
	if err := errors.Join(errs...); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// Validate reports configuration errors that prevent startup.
func (c GatewayConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("config: ANUNEKO_TOKEN (token) is required"))
	}
	if c.HTTPAddress == "" {
		errs = append(errs, errors.New("config: http_address is empty"))
	}
	if c.LedgerPath != "" && c.LedgerDSN != "" {
		errs = append(errs, errors.New("config: ledger_path and ledger_dsn are mutually exclusive"))
	}
	if c.NewConversationThreshold < 0 {
		errs = append(errs, fmt.Errorf("config: new_conversation_threshold must be >= 0, got %d", c.NewConversationThreshold))
	}
	return errors.Join(errs...)
}

// hostPort honours the FLASK_HOST/FLASK_PORT pair older deployments set,
// falling back to 0.0.0.0:8000.
func hostPort() string {
	host := firstNonEmpty(os.Getenv("ANUNEKO_HOST"), os.Getenv("FLASK_HOST"), "0.0.0.0")
	port := firstNonEmpty(os.Getenv("ANUNEKO_PORT"), os.Getenv("FLASK_PORT"), "8000")
	return net.JoinHostPort(strings.TrimSpace(host), strings.TrimSpace(port))
}

// defaultLogFile honours LOG_PATH/LOG_NAME, falling back to
// logs/anuneko-openai.log. Set log_file=- to disable file output.
func defaultLogFile() string {
	dir := strings.TrimSpace(firstNonEmpty(os.Getenv("LOG_PATH"), "logs"))
	name := strings.TrimSpace(firstNonEmpty(os.Getenv("LOG_NAME"), "anuneko-openai"))
	return filepath.Join(dir, name+".log")
}

// parseDuration accepts Go duration strings and plain seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
