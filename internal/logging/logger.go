// Package logging constructs the shared logr.Logger the forge CLI hands to
// the target graph and the deployment orchestrator.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// New builds a zap-backed logger for the given level name. Debug selects the
// development encoder so target evaluation traces stay readable.
func New(level string) (logr.Logger, error) {
	parsed, err := parseLevel(level)
	if err != nil {
		return logr.Logger{}, err
	}
	atomic := zap.NewAtomicLevelAt(parsed)
	opts := crzap.Options{
		Level:       &atomic,
		Development: parsed == zapcore.DebugLevel,
	}
	return crzap.New(crzap.UseFlagOptions(&opts)), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
}
