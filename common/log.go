// Package common holds logging helpers shared by the daemon and its tools.
package common

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

type LogLevel int

const (
	// Order must be least verbose (none) to most verbose (debug) so what
	// is enabled can be checked by simple numeric comparison.
	LevelNone LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
	LevelLast // Keep at end for sizing slices etc.
)

func MapLevelNameToLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	case "none":
		return LevelNone, nil
	}
	return LevelNone, fmt.Errorf(
		"LogLevel '%s' not recognised. Use <none|error|info|debug>.", level)
}

func MapLogLevelToName(level LogLevel) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelError:
		return "error"
	default:
		return "none"
	}
}

// ApplyLevel configures the process-wide logrus level from a LogLevel, as
// returned by MapLevelNameToLevel.
func ApplyLevel(level LogLevel) {
	switch level {
	case LevelDebug:
		log.SetLevel(log.DebugLevel)
	case LevelInfo:
		log.SetLevel(log.InfoLevel)
	case LevelError:
		log.SetLevel(log.ErrorLevel)
	case LevelNone:
		log.SetLevel(log.PanicLevel)
	}
}
