package logger

import (
	"fmt"
	"strings"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

// Logger is re-exported from eigensdk-go so callers do not import sdklogging directly.
type Logger = sdklogging.Logger

// NoOpLogger discards everything. Components fall back to it when built without a logger.
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *NoOpLogger) Infof(format string, args ...interface{})       {}
func (l *NoOpLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Debugf(format string, args ...interface{})      {}
func (l *NoOpLogger) Error(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Errorf(format string, args ...interface{})      {}
func (l *NoOpLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (l *NoOpLogger) Warnf(format string, args ...interface{})       {}
func (l *NoOpLogger) Fatal(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Fatalf(format string, args ...interface{})      {}
func (l *NoOpLogger) With(keysAndValues ...interface{}) Logger       { return l }
func (l *NoOpLogger) WithComponent(componentName string) Logger      { return l }
func (l *NoOpLogger) WithName(name string) Logger                    { return l }
func (l *NoOpLogger) Sync() error                                    { return nil }

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// EnsureLogger returns logger, or a no-op logger when it is nil.
func EnsureLogger(logger Logger) Logger {
	if logger == nil {
		return NewNoOpLogger()
	}
	return logger
}

// ParseEnvironment maps a config value onto the zap presets eigensdk knows about.
func ParseEnvironment(env string) (sdklogging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "development", "dev":
		return sdklogging.Development, nil
	case "production", "prod":
		return sdklogging.Production, nil
	}
	return "", fmt.Errorf("logger: unknown environment %q", env)
}

// New builds the zap backed logger for env.
func New(env string) (Logger, error) {
	level, err := ParseEnvironment(env)
	if err != nil {
		return nil, err
	}
	return sdklogging.NewZapLogger(level)
}
