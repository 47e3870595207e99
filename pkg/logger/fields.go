package logger

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const (
	secretConfigured    = "<secret configured>"
	secretNotConfigured = "<not configured>"
)

// Secret logs whether a sensitive value is set without revealing it.
func Secret(key, value string) zap.Field {
	if value == "" {
		return zap.String(key, secretNotConfigured)
	}
	return zap.String(key, secretConfigured)
}

// Fingerprint logs a stable non reversible digest of value, for correlating
// entries that concern the same credential.
func Fingerprint(key, value string) zap.Field {
	return zap.String(key, strconv.FormatUint(xxhash.Sum64String(value), 16))
}
