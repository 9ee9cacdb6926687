package logging

import (
	"sync"

	"github.com/pkg/errors"
)

// hostLoggers holds the per-host loggers so their levels can be changed by name while attached.
var hostLoggers = struct {
	mu      sync.RWMutex
	loggers map[string]Logger
}{loggers: map[string]Logger{}}

// RegisterLogger makes logger reachable by name, replacing any logger already under that name.
func RegisterLogger(name string, logger Logger) {
	hostLoggers.mu.Lock()
	defer hostLoggers.mu.Unlock()
	hostLoggers.loggers[name] = logger
}

// DeregisterLogger removes the logger with the given name. It returns whether one was registered.
func DeregisterLogger(name string) bool {
	hostLoggers.mu.Lock()
	defer hostLoggers.mu.Unlock()
	_, ok := hostLoggers.loggers[name]
	delete(hostLoggers.loggers, name)
	return ok
}

// LoggerNamed returns the logger registered under name.
func LoggerNamed(name string) (Logger, bool) {
	hostLoggers.mu.RLock()
	defer hostLoggers.mu.RUnlock()
	logger, ok := hostLoggers.loggers[name]
	return logger, ok
}

// UpdateLoggerLevel sets the level of the logger registered under name.
func UpdateLoggerLevel(name string, level Level) error {
	logger, ok := LoggerNamed(name)
	if !ok {
		return errors.Errorf("logger named %s not recognized", name)
	}
	logger.SetLevel(level)
	return nil
}
