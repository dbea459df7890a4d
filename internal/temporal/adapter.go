// Package temporal holds the glue between the Temporal SDK and the service:
// a zap-backed SDK logger and client dialing.
package temporal

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// Logger routes Temporal SDK logs through zap.
type Logger struct {
	logger *zap.Logger
}

var _ log.Logger = (*Logger)(nil)
var _ log.WithLogger = (*Logger)(nil)

// NewLogger wraps a zap logger for the Temporal SDK.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.logger.Debug(msg, fields(keyvals)...) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.logger.Info(msg, fields(keyvals)...) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.logger.Warn(msg, fields(keyvals)...) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.logger.Error(msg, fields(keyvals)...) }

// With returns a logger carrying keyvals on every entry.
func (l *Logger) With(keyvals ...interface{}) log.Logger {
	return &Logger{logger: l.logger.With(fields(keyvals)...)}
}

// fields pairs keyvals; a trailing key without a value is kept as "<missing>".
func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keyvals[i])
		}
		if i+1 >= len(keyvals) {
			out = append(out, zap.String(key, "<missing>"))
			break
		}
		out = append(out, field(key, keyvals[i+1]))
	}
	return out
}

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
		return zap.String(key, "<"+reflect.TypeOf(val).Kind().String()+">")
	}
	if err, ok := val.(error); ok {
		return zap.NamedError(key, err)
	}
	return zap.Any(key, val)
}
