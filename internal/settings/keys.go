package settings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownKey is returned by Validate for keys that are not runtime overrides.
var ErrUnknownKey = errors.New("unknown setting")

// Keys lists the runtime override keys in display order.
var Keys = []string{
	KeySessionDurationHours,
	KeyConfirmationTimeoutSeconds,
	KeyConfirmationResendSeconds,
	KeyConfirmationMaxResends,
	KeyDisconnectGraceSeconds,
	KeyRequireConfirmation,
	KeyFirewallCommentPrefix,
	KeyConfirmationPolicy,
	KeyMikrotikHost,
	KeyMikrotikPort,
	KeyMikrotikUseSSL,
	KeyMikrotikUsername,
	KeyMikrotikPassword,
}

// IsKey reports whether key is a runtime override key.
func IsKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Validate checks value for key with the same rules Apply uses, so an operator gets an
// error instead of a silently ignored override.
func Validate(key, value string) error {
	v := strings.TrimSpace(value)
	intRange := func(lo, hi int) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < lo || (hi > 0 && n > hi) {
			return fmt.Errorf("%s: %q is not a valid number", key, value)
		}
		return nil
	}
	switch key {
	case KeySessionDurationHours, KeyConfirmationTimeoutSeconds:
		return intRange(1, 0)
	case KeyConfirmationResendSeconds, KeyConfirmationMaxResends, KeyDisconnectGraceSeconds:
		return intRange(0, 0)
	case KeyMikrotikPort:
		return intRange(1, 65535)
	case KeyRequireConfirmation, KeyMikrotikUseSSL:
		if _, err := parseBool(v); err != nil {
			return fmt.Errorf("%s: %q is not a boolean", key, value)
		}
		return nil
	case KeyMikrotikHost, KeyMikrotikUsername, KeyMikrotikPassword, KeyConfirmationPolicy:
		if v == "" {
			return fmt.Errorf("%s: value is required", key)
		}
		return nil
	case KeyFirewallCommentPrefix:
		return nil
	}
	return fmt.Errorf("%q: %w", key, ErrUnknownKey)
}
