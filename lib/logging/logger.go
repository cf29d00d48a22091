// Package logging configures the loggers used throughout oKV.
//
// All packages obtain their logger through the dragonboat logger registry
// (logger.GetLogger). InitLoggers installs a factory that writes compact,
// aligned lines to stdout and sets the level of every known package logger.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// Names of the package loggers used in this module
var packages = []string{"ohmap", "cleanup", "larch", "cli"}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// okvLogger implements the ILogger interface with custom formatting
type okvLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *okvLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *okvLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *okvLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *okvLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *okvLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *okvLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes one line
func (l *okvLogger) log(levelStr string, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-8s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// CreateLogger is the logger.Factory installed by InitLoggers
func CreateLogger(pkgName string) logger.ILogger {
	return &okvLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// --------------------------------------------------------------------------
// Level parsing and initialization
// --------------------------------------------------------------------------

// ParseLogLevel converts a level name to a logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// InitLoggers installs the custom factory and sets the level of all package loggers
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)
	for _, name := range packages {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
