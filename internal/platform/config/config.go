package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultShutdownTimeout    = 20 * time.Second
	defaultProcessingDelay    = 10 * time.Second
	defaultShippingDelay      = 10 * time.Second
	defaultDeliveryMin        = 10 * time.Second
	defaultDeliveryMax        = 30 * time.Second
	defaultExpiryDelay        = 60 * time.Second
	defaultAdminPrefixes      = "admin_"
	defaultUserServiceURL     = "http://user-service:8000"
	defaultNotifyTimeout      = 2 * time.Second
	defaultIdempotencyHeader  = "Idempotency-Key"
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultIdempotencyCleanup = time.Hour
	defaultSecretsFallback    = ".secrets.local"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Lifecycle   LifecycleConfig
	Auth        AuthConfig
	Notify      NotifyConfig
	Idempotency IdempotencyConfig
	Secrets     SecretsConfig
	Telemetry   TelemetryConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LifecycleConfig holds the dwell intervals of the automatic order progression.
type LifecycleConfig struct {
	ProcessingDelay time.Duration
	ShippingDelay   time.Duration
	DeliveryMin     time.Duration
	DeliveryMax     time.Duration
	ExpiryDelay     time.Duration
}

// AuthConfig controls caller identity resolution.
type AuthConfig struct {
	JWTSecret            string
	JWKSURL              string
	Issuer               string
	LenientTokens        bool
	TrustAdminHeader     bool
	AdminSubjectPrefixes []string
}

// NotifyConfig lists the notification sinks. Empty values disable the corresponding sink.
type NotifyConfig struct {
	UserServiceURL string
	Timeout        time.Duration
	SigningSecret  string
	PubSubProject  string
	PubSubTopic    string
	KafkaBrokers   []string
	KafkaTopic     string
}

// IdempotencyConfig controls replay protection for order creation.
type IdempotencyConfig struct {
	Header          string
	TTL             time.Duration
	CleanupInterval time.Duration
	RedisURL        string
}

type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

type TelemetryConfig struct {
	ProjectID string
}

// SecretResolver resolves references to external secrets (sm:// or secret:// URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the config field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret-bearing fields (e.g. "Notify.SigningSecret") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// EnvironmentValues returns the effective environment after applying the same precedence as Load
// (.env < OS env < explicit map). main uses it to configure the secret fetcher before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, found := strings.Cut(entry, "=")
			if !found || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the service configuration from defaults, .env overrides, environment variables
// and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "ORDERS_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "ORDERS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "ORDERS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "ORDERS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "ORDERS_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Lifecycle: LifecycleConfig{
			ProcessingDelay: durationWithDefault(lookup, "ORDERS_LIFECYCLE_PROCESSING_DELAY", defaultProcessingDelay),
			ShippingDelay:   durationWithDefault(lookup, "ORDERS_LIFECYCLE_SHIPPING_DELAY", defaultShippingDelay),
			DeliveryMin:     durationWithDefault(lookup, "ORDERS_LIFECYCLE_DELIVERY_MIN", defaultDeliveryMin),
			DeliveryMax:     durationWithDefault(lookup, "ORDERS_LIFECYCLE_DELIVERY_MAX", defaultDeliveryMax),
			ExpiryDelay:     durationWithDefault(lookup, "ORDERS_LIFECYCLE_EXPIRY_DELAY", defaultExpiryDelay),
		},
		Auth: AuthConfig{
			JWTSecret:            stringWithDefault(lookup, "ORDERS_AUTH_JWT_SECRET", ""),
			JWKSURL:              stringWithDefault(lookup, "ORDERS_AUTH_JWKS_URL", ""),
			Issuer:               stringWithDefault(lookup, "ORDERS_AUTH_ISSUER", ""),
			LenientTokens:        boolWithDefault(lookup, "ORDERS_AUTH_LENIENT_TOKENS", true),
			TrustAdminHeader:     boolWithDefault(lookup, "ORDERS_AUTH_TRUST_ADMIN_HEADER", true),
			AdminSubjectPrefixes: csvWithDefault(lookup, "ORDERS_AUTH_ADMIN_SUBJECT_PREFIXES", defaultAdminPrefixes),
		},
		Notify: NotifyConfig{
			UserServiceURL: strings.TrimRight(stringWithDefault(lookup, "ORDERS_NOTIFY_USER_SERVICE_URL", defaultUserServiceURL), "/"),
			Timeout:        durationWithDefault(lookup, "ORDERS_NOTIFY_TIMEOUT", defaultNotifyTimeout),
			SigningSecret:  stringWithDefault(lookup, "ORDERS_NOTIFY_SIGNING_SECRET", ""),
			PubSubProject:  stringWithDefault(lookup, "ORDERS_NOTIFY_PUBSUB_PROJECT", ""),
			PubSubTopic:    stringWithDefault(lookup, "ORDERS_NOTIFY_PUBSUB_TOPIC", ""),
			KafkaBrokers:   csvWithDefault(lookup, "ORDERS_NOTIFY_KAFKA_BROKERS", ""),
			KafkaTopic:     stringWithDefault(lookup, "ORDERS_NOTIFY_KAFKA_TOPIC", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:          stringWithDefault(lookup, "ORDERS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:             durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval: durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyCleanup),
			RedisURL:        stringWithDefault(lookup, "ORDERS_IDEMPOTENCY_REDIS_URL", ""),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "ORDERS_SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "ORDERS_SECRETS_FALLBACK_FILE", defaultSecretsFallback),
		},
		Telemetry: TelemetryConfig{
			ProjectID: stringWithDefault(lookup, "ORDERS_TELEMETRY_PROJECT_ID", ""),
		},
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Auth.JWTSecret", &cfg.Auth.JWTSecret},
		{"Notify.SigningSecret", &cfg.Notify.SigningSecret},
		{"Idempotency.RedisURL", &cfg.Idempotency.RedisURL},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" && resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if strings.TrimSpace(cfg.Server.Port) == "" {
		invalid = append(invalid, "Server.Port")
	}
	lifecycle := []struct {
		name  string
		value time.Duration
	}{
		{"Lifecycle.ProcessingDelay", cfg.Lifecycle.ProcessingDelay},
		{"Lifecycle.ShippingDelay", cfg.Lifecycle.ShippingDelay},
		{"Lifecycle.DeliveryMin", cfg.Lifecycle.DeliveryMin},
		{"Lifecycle.DeliveryMax", cfg.Lifecycle.DeliveryMax},
		{"Lifecycle.ExpiryDelay", cfg.Lifecycle.ExpiryDelay},
	}
	for _, d := range lifecycle {
		if d.value <= 0 {
			invalid = append(invalid, d.name)
		}
	}
	if cfg.Lifecycle.DeliveryMax < cfg.Lifecycle.DeliveryMin {
		invalid = append(invalid, "Lifecycle.DeliveryMax")
	}
	if cfg.Notify.Timeout <= 0 {
		invalid = append(invalid, "Notify.Timeout")
	}
	if (cfg.Notify.PubSubProject == "") != (cfg.Notify.PubSubTopic == "") {
		invalid = append(invalid, "Notify.PubSubTopic")
	}
	if len(cfg.Notify.KafkaBrokers) > 0 && cfg.Notify.KafkaTopic == "" {
		invalid = append(invalid, "Notify.KafkaTopic")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		invalid = append(invalid, "Idempotency.CleanupInterval")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key, fallback string) []string {
	raw, ok := lookup(key)
	if !ok {
		raw = fallback
	}
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
