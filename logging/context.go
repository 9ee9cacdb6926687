package logging

import (
	"context"

	"go.viam.com/utils"
)

type traceKeyType int

const traceKeyID = traceKeyType(iota)

// EnableDebugMode returns a context under which the C-prefixed debug calls log regardless of the
// logger's level. key names what is being traced, usually a host; an empty key generates a random
// one.
func EnableDebugMode(ctx context.Context, key string) context.Context {
	if key == "" {
		key = utils.RandomAlphaString(6)
	}
	return context.WithValue(ctx, traceKeyID, key)
}

// IsDebugMode returns whether ctx was created by EnableDebugMode.
func IsDebugMode(ctx context.Context) bool {
	return TraceKey(ctx) != ""
}

// TraceKey returns the key passed to EnableDebugMode, or "".
func TraceKey(ctx context.Context) string {
	if key, ok := ctx.Value(traceKeyID).(string); ok {
		return key
	}
	return ""
}
