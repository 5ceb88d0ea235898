// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with only a webhook URL, an author
// and a relay. Call Validate before starting work.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/format"
)

// Run modes.
const (
	ModePoll      = "poll"      // long-lived process polling every PollInterval
	ModeSubscribe = "subscribe" // long-lived relay subscription
	ModeTrigger   = "trigger"   // HTTP only; an external scheduler calls POST /trigger
)

// DefaultRelays are used when NOSTR_RELAYS is unset.
var DefaultRelays = []string{"wss://relay.damus.io", "wss://nos.lol"}

type Config struct {
	// Nostr
	Authors        []string // hex public keys
	Kinds          []int
	Relays         []string
	FallbackRelays []string
	RelayTimeout   time.Duration

	// Admission
	Lookback       time.Duration
	StaleWindow    time.Duration
	RecentGrace    time.Duration
	LedgerCapacity int

	// Scheduling
	Mode         string
	PollInterval time.Duration

	// Formatting
	LinkStyle    format.LinkStyle
	ReplyContext bool
	DisplayName  string
	AvatarURL    string

	// Sink
	WebhookURL          string
	SinkRatePerSec      float64
	SinkBurst           int
	MaxDeliveryAttempts int

	// Shared sink budget (optional)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HTTP
	HTTPAddr      string
	AdminToken    string
	AdminUsername string
	AdminPassword string
}

// Load reads environment variables and applies defaults. It fails only on values that cannot
// be parsed; use Validate to check that the service has enough to run.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	authors, err := event.DecodePubKeys(splitList(os.Getenv("NOSTR_AUTHORS")))
	if err != nil {
		collect(fmt.Errorf("NOSTR_AUTHORS: %w", err))
	}
	cfg.Authors = authors

	cfg.Kinds, err = intList("NOSTR_KINDS", []int{1})
	collect(err)
	cfg.Relays = splitList(os.Getenv("NOSTR_RELAYS"))
	if len(cfg.Relays) == 0 {
		cfg.Relays = append([]string(nil), DefaultRelays...)
	}
	cfg.FallbackRelays = splitList(os.Getenv("NOSTR_FALLBACK_RELAYS"))
	cfg.RelayTimeout, err = duration("RELAY_TIMEOUT", 8*time.Second)
	collect(err)

	cfg.Lookback, err = duration("LOOKBACK", time.Hour)
	collect(err)
	cfg.StaleWindow, err = duration("STALE_WINDOW", time.Hour)
	collect(err)
	cfg.RecentGrace, err = duration("RECENT_GRACE", 5*time.Minute)
	collect(err)
	cfg.LedgerCapacity, err = integer("LEDGER_CAPACITY", 200)
	collect(err)

	cfg.Mode = strings.ToLower(os.Getenv("MODE"))
	if cfg.Mode == "" {
		cfg.Mode = ModePoll
	}
	cfg.PollInterval, err = duration("POLL_INTERVAL", time.Minute)
	collect(err)

	if cfg.LinkStyle, err = format.ParseLinkStyle(os.Getenv("LINK_STYLE")); err != nil {
		collect(fmt.Errorf("LINK_STYLE: %w", err))
	}
	cfg.ReplyContext, err = boolean("REPLY_CONTEXT", false)
	collect(err)
	cfg.DisplayName = os.Getenv("DISPLAY_NAME")
	cfg.AvatarURL = os.Getenv("AVATAR_URL")

	cfg.WebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	cfg.SinkRatePerSec, err = float("SINK_RATE_PER_SEC", 0.5)
	collect(err)
	cfg.SinkBurst, err = integer("SINK_BURST", 5)
	collect(err)
	cfg.MaxDeliveryAttempts, err = integer("MAX_DELIVERY_ATTEMPTS", 3)
	collect(err)

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB, err = integer("REDIS_DB", 0)
	collect(err)

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.WebhookURL == "" {
		errs = append(errs, errors.New("missing DISCORD_WEBHOOK_URL"))
	} else if !strings.HasPrefix(c.WebhookURL, "https://") && !strings.HasPrefix(c.WebhookURL, "http://") {
		errs = append(errs, fmt.Errorf("DISCORD_WEBHOOK_URL must be an http(s) URL"))
	}
	if len(c.Authors) == 0 {
		errs = append(errs, errors.New("missing NOSTR_AUTHORS: need at least one npub or hex key"))
	}
	if len(c.Relays) == 0 {
		errs = append(errs, errors.New("missing NOSTR_RELAYS"))
	}
	for _, r := range append(append([]string(nil), c.Relays...), c.FallbackRelays...) {
		if !strings.HasPrefix(r, "wss://") && !strings.HasPrefix(r, "ws://") {
			errs = append(errs, fmt.Errorf("relay %q: want ws:// or wss://", r))
		}
	}
	switch c.Mode {
	case ModePoll, ModeSubscribe, ModeTrigger:
	default:
		errs = append(errs, fmt.Errorf("unknown MODE %q (want poll, subscribe or trigger)", c.Mode))
	}
	if c.Mode == ModePoll && c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.StaleWindow <= 0 {
		errs = append(errs, errors.New("STALE_WINDOW must be positive"))
	}
	if c.RecentGrace <= 0 {
		errs = append(errs, errors.New("RECENT_GRACE must be positive"))
	}
	if c.RecentGrace >= c.StaleWindow {
		errs = append(errs, fmt.Errorf("RECENT_GRACE (%s) must be shorter than STALE_WINDOW (%s)", c.RecentGrace, c.StaleWindow))
	}
	return errors.Join(errs...)
}

// AdminAuthEnabled reports whether /trigger requires credentials.
func (c *Config) AdminAuthEnabled() bool {
	return c.AdminToken != "" || (c.AdminUsername != "" && c.AdminPassword != "")
}

// splitList splits a comma or whitespace separated list, dropping empty items.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	// bare integers are seconds
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid %s %q: want a duration like 90s or 5m", key, v)
}

func integer(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func float(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func boolean(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func intList(key string, def []int) ([]int, error) {
	items := splitList(os.Getenv(key))
	if len(items) == 0 {
		return def, nil
	}
	out := make([]int, 0, len(items))
	for _, it := range items {
		n, err := strconv.Atoi(it)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s item %q", key, it)
		}
		out = append(out, n)
	}
	return out, nil
}
