// Package temporal runs the report stages as a durable Temporal workflow.
package temporal

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter adapts a zap logger to Temporal's logger interface.
type ZapAdapter struct {
	logger *zap.Logger
}

func NewZapAdapter(logger *zap.Logger) log.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{logger: logger.Named("temporal")}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.logger.Debug(msg, fields(keyvals)...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.logger.Info(msg, fields(keyvals)...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.logger.Warn(msg, fields(keyvals)...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.logger.Error(msg, fields(keyvals)...) }

// With returns a logger carrying keyvals on every entry.
func (z *ZapAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZapAdapter{logger: z.logger.With(fields(keyvals)...)}
}

func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			out = append(out, field(key, keyvals[i+1]))
		}
	}
	return out
}

// field guards against values zap.Any cannot encode.
func field(key string, val interface{}) (f zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			f = zap.String(key, fmt.Sprintf("<unserializable: %v>", r))
		}
	}()
	if val == nil {
		return zap.String(key, "<nil>")
	}
	switch reflect.ValueOf(val).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return zap.String(key, fmt.Sprintf("<%T>", val))
	default:
		return zap.Any(key, val)
	}
}
