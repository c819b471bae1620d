package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 20 * time.Second
	defaultOrderEventsTopic     = "order-events"
	defaultCurrency             = "BRL"
	defaultChargeTimeout        = 15 * time.Second
	defaultRefundTimeout        = 10 * time.Second
	defaultStatusTimeout        = 5 * time.Second
	defaultMaxListSize          = 500
	defaultMinPhoneDigits       = 8
	defaultLookupRateLimit      = 30
	defaultLookupRateWindow     = time.Minute
	defaultFirestoreTxTimeout   = 15 * time.Second
	defaultStatsTimezone        = "UTC"
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCJWKSRefresh      = time.Hour
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultWebhookSecretName    = "payments"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	PSP         PSPConfig
	Orders      OrdersConfig
	Stats       StatsConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked makes every verification consult Firebase for revoked sessions, so a demoted
	// restaurant owner loses access before their token expires.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	// TxTimeout bounds a single order write transaction including retries.
	TxTimeout time.Duration
}

// PubSubConfig names the topic order domain events are published to. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
	OrderedDelivery  bool
}

// PSPConfig holds the payment gateway credentials and per-call deadlines.
type PSPConfig struct {
	StripeAPIKey    string
	StripeAccountID string
	Currency        string
	ChargeTimeout   time.Duration
	RefundTimeout   time.Duration
	StatusTimeout   time.Duration
}

// Enabled reports whether a gateway credential is configured.
func (c PSPConfig) Enabled() bool {
	return strings.TrimSpace(c.StripeAPIKey) != ""
}

// OrdersConfig bounds restaurant listings and customer phone lookups.
type OrdersConfig struct {
	MaxListSize      int
	MinPhoneDigits   int
	// LookupRateLimit caps anonymous phone and tracking lookups per client within
	// LookupRateWindow. Zero disables the limiter.
	LookupRateLimit  int
	LookupRateWindow time.Duration
}

// StatsConfig controls how delivered orders are bucketed by day.
type StatsConfig struct {
	Timezone string
	Location *time.Location
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls verification of Google-signed tokens sent by Cloud Scheduler.
type OIDCConfig struct {
	JWKSURL         string
	JWKSRefresh     time.Duration
	Audience        string
	Issuers         []string
	ServiceAccounts []string
}

// HMACConfig captures webhook signing expectations. Secrets are keyed by lower-case name.
type HMACConfig struct {
	Secrets           map[string]string
	ClockSkew         time.Duration
	WebhookSecretName string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists configuration fields that are missing or malformed.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
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

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	redacted := e.RedactedNames()
	if len(redacted) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// RedactedNames returns hashed identifiers that are safe to log.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map. Values in the map win over the process environment.
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

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret identifiers as mandatory, using the field names
// recorded by the loader (e.g. "PSP.StripeAPIKey" or "Security.HMAC.Secrets[payments]").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration from defaults, .env overrides,
// environment variables and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: src.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    src.boolean("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
			TxTimeout:    src.duration("API_FIRESTORE_TX_TIMEOUT", defaultFirestoreTxTimeout),
		},
		PubSub: PubSubConfig{
			ProjectID:        src.str("API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: src.str("API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
			OrderedDelivery:  src.boolean("API_PUBSUB_ORDERED_DELIVERY", true),
		},
		PSP: PSPConfig{
			StripeAPIKey:    src.str("API_PSP_STRIPE_API_KEY", ""),
			StripeAccountID: src.str("API_PSP_STRIPE_ACCOUNT_ID", ""),
			Currency:        strings.ToUpper(src.str("API_PSP_CURRENCY", defaultCurrency)),
			ChargeTimeout:   src.duration("API_PSP_CHARGE_TIMEOUT", defaultChargeTimeout),
			RefundTimeout:   src.duration("API_PSP_REFUND_TIMEOUT", defaultRefundTimeout),
			StatusTimeout:   src.duration("API_PSP_STATUS_TIMEOUT", defaultStatusTimeout),
		},
		Orders: OrdersConfig{
			MaxListSize:      src.integer("API_ORDERS_MAX_LIST_SIZE", defaultMaxListSize),
			MinPhoneDigits:   src.integer("API_ORDERS_MIN_PHONE_DIGITS", defaultMinPhoneDigits),
			LookupRateLimit:  src.integer("API_ORDERS_LOOKUP_RATE_LIMIT", defaultLookupRateLimit),
			LookupRateWindow: src.duration("API_ORDERS_LOOKUP_RATE_WINDOW", defaultLookupRateWindow),
		},
		Stats: StatsConfig{
			Timezone: src.str("API_STATS_TIMEZONE", defaultStatsTimezone),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(src.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:         src.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				JWKSRefresh:     src.duration("API_SECURITY_OIDC_JWKS_REFRESH", defaultOIDCJWKSRefresh),
				Audience:        src.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:         src.list("API_SECURITY_OIDC_ISSUERS"),
				ServiceAccounts: src.list("API_SECURITY_OIDC_SERVICE_ACCOUNTS"),
			},
			HMAC: HMACConfig{
				Secrets:           src.pairs("API_SECURITY_HMAC_SECRETS"),
				ClockSkew:         src.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				WebhookSecretName: strings.ToLower(src.str("API_SECURITY_HMAC_WEBHOOK_SECRET", defaultWebhookSecretName)),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, strings.TrimPrefix(defaultSecurityIssuer, "https://")}
	}

	resolved := make(map[string]string)
	resolve := func(name string, field *string) error {
		value, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
		return nil
	}

	if err := resolve("PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey); err != nil {
		return Config{}, err
	}
	for key, value := range cfg.Security.HMAC.Secrets {
		v := value
		if err := resolve(fmt.Sprintf("Security.HMAC.Secrets[%s]", key), &v); err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = v
	}

	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
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

// validateConfig also fills derived fields such as the stats location.
func validateConfig(cfg *Config) error {
	var invalid []string
	require := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	require(cfg.Firestore.TxTimeout > 0, "Firestore.TxTimeout")
	require(len(cfg.PSP.Currency) == 3, "PSP.Currency")
	require(cfg.PSP.ChargeTimeout > 0, "PSP.ChargeTimeout")
	require(cfg.PSP.RefundTimeout > 0, "PSP.RefundTimeout")
	require(cfg.PSP.StatusTimeout > 0, "PSP.StatusTimeout")
	require(cfg.Orders.MaxListSize > 0, "Orders.MaxListSize")
	require(cfg.Orders.MinPhoneDigits >= 4, "Orders.MinPhoneDigits")
	require(cfg.Orders.LookupRateLimit >= 0, "Orders.LookupRateLimit")
	require(cfg.Orders.LookupRateLimit == 0 || cfg.Orders.LookupRateWindow > 0, "Orders.LookupRateWindow")
	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	loc, err := time.LoadLocation(cfg.Stats.Timezone)
	require(err == nil, "Stats.Timezone")
	cfg.Stats.Location = loc

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
