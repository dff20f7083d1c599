package config

import "net/url"

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redactDSN(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redactDSN(&out.ClickHouse.DSN)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// RPC URLs from hosted providers embed the API key in the path.
	redactDSN(&out.Chain.RPCURL)

	if cfg.Server.APIKeys != nil {
		out.Server.APIKeys = make([]string, len(cfg.Server.APIKeys))
		for i := range out.Server.APIKeys {
			out.Server.APIKeys[i] = redacted
		}
	}

	redact(&out.Notify.TelegramToken)
	redactDSN(&out.Notify.DiscordWebhook)
	redact(&out.Goldsky.APIKey)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Chain.Exchanges != nil {
		out.Chain.Exchanges = make([]ExchangeContract, len(cfg.Chain.Exchanges))
		copy(out.Chain.Exchanges, cfg.Chain.Exchanges)
	}
	if cfg.Alerts.Topics != nil {
		out.Alerts.Topics = make([]string, len(cfg.Alerts.Topics))
		copy(out.Alerts.Topics, cfg.Alerts.Topics)
	}
	if cfg.Alerts.SmartMoneyTraders != nil {
		out.Alerts.SmartMoneyTraders = append([]string(nil), cfg.Alerts.SmartMoneyTraders...)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Aggregate.DenyList != nil {
		out.Aggregate.DenyList = make(map[string][]string, len(cfg.Aggregate.DenyList))
		for k, v := range cfg.Aggregate.DenyList {
			out.Aggregate.DenyList[k] = append([]string(nil), v...)
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactDSN keeps the scheme and host of a URL-shaped secret and masks the
// rest. Anything that does not parse as a URL is masked entirely.
func redactDSN(s *string) {
	if *s == "" {
		return
	}
	u, err := url.Parse(*s)
	if err != nil || u.Host == "" {
		*s = redacted
		return
	}
	*s = u.Scheme + "://" + u.Host + "/" + redacted
}
