package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/joaosutil/pede-ai2/internal/platform/secrets"
)

// newSecretFetcher configures Secret Manager resolution from the raw environment, before the
// typed config exists.
func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(env[key]); value != "" {
				return value
			}
		}
		return ""
	}

	label := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if label == "" {
		label = "local"
	}
	fallback := lookup("API_SECRET_FALLBACK_FILE")
	if fallback == "" {
		fallback = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(label),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallback),
	}
	if projects := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS")); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(lo.MapKeys(projects, func(_ string, name string) string {
			return strings.ToLower(name)
		})))
	}
	if project := lookup("API_SECRET_DEFAULT_PROJECT_ID", "API_FIREBASE_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets config.Load must resolve. Webhook HMAC secrets are always
// required; the Stripe key only when the deployment sets one.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey")
	}
	for _, key := range parseHMACSecretKeys(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	required = lo.Uniq(lo.Compact(lo.Map(required, func(name string, _ int) string {
		return strings.TrimSpace(name)
	})))
	slices.Sort(required)
	return required
}

// secretVersionPinsFromEnv parses API_SECRET_VERSION_PINS ("[env:]ref=version,...") into
// canonical secret:// references, keeping any environment prefix.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(env["API_SECRET_VERSION_PINS"]) {
		var scope string
		if colon := strings.Index(ref, ":"); colon > 0 {
			if scheme := strings.Index(ref, "://"); scheme == -1 || colon < scheme {
				scope = strings.ToLower(strings.TrimSpace(ref[:colon])) + ":"
				ref = strings.TrimSpace(ref[colon+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[scope+ref] = version
	}
	return pins
}

func parseHMACSecretKeys(raw string) []string {
	keys := lo.Map(lo.Keys(parseKeyValueList(raw)), func(key string, _ int) string {
		return strings.ToLower(key)
	})
	slices.Sort(keys)
	return keys
}

// parseKeyValueList reads "k=v,k2=v2", skipping entries with an empty side.
func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
