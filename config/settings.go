package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Settings is a point-in-time snapshot of the tunable knobs the lifecycle
// engine needs. Handlers load one snapshot at the start of a handling unit
// and never re-read mid-flight, so a settings change can only take effect
// between requests (defined staleness: one request).
type Settings struct {
	// MarkupPercent is added on top of the dealer price for end customers.
	MarkupPercent decimal.Decimal

	// HeartbeatTTL is how long an interactive operation stays alive after the
	// last client heartbeat.
	HeartbeatTTL time.Duration

	// FinalConfirmWindow is the deadline for the last human confirmation step.
	FinalConfirmWindow time.Duration

	// CaptchaTTL is the fallback solution window when the worker does not
	// supply its own expiry.
	CaptchaTTL time.Duration

	// FlatFees maps operation type to the fee charged at creation time.
	// Types absent from the map cost nothing up front.
	FlatFees map[string]decimal.Decimal
}

// redis override key for markup; the admin panel writes it, we only read.
const settingsMarkupKey = "settings:markup_percent"

// LoadSettings builds a snapshot from the external settings store (Redis)
// with env-var fallbacks. Missing or malformed values fall back to defaults;
// loading never fails.
//
// Env:
// - MARKUP_PERCENT (default 20)
// - HEARTBEAT_TTL_SECONDS (default 15)
// - FINAL_CONFIRM_WINDOW_SECONDS (default 120)
// - CAPTCHA_TTL_SECONDS (default 90)
// - FLAT_FEE_CHECK_BALANCE (default 0)
func LoadSettings(ctx context.Context) Settings {
	s := Settings{
		MarkupPercent:      decimalFromEnv("MARKUP_PERCENT", decimal.NewFromInt(20)),
		HeartbeatTTL:       time.Duration(intFromEnv("HEARTBEAT_TTL_SECONDS", 15)) * time.Second,
		FinalConfirmWindow: time.Duration(intFromEnv("FINAL_CONFIRM_WINDOW_SECONDS", 120)) * time.Second,
		CaptchaTTL:         time.Duration(intFromEnv("CAPTCHA_TTL_SECONDS", 90)) * time.Second,
		FlatFees:           map[string]decimal.Decimal{},
	}

	if fee := decimalFromEnv("FLAT_FEE_CHECK_BALANCE", decimal.Zero); fee.IsPositive() {
		s.FlatFees["CHECK_BALANCE"] = fee
	}

	// Redis override beats env so the admin panel can change markup without a
	// redeploy. Best effort: a Redis outage must not break pricing.
	if val, exists, err := GetRedisValue(settingsMarkupKey); err == nil && exists {
		if d, derr := decimal.NewFromString(strings.TrimSpace(val)); derr == nil && !d.IsNegative() {
			s.MarkupPercent = d
		}
	}

	return s
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return def
	}
	return d
}
