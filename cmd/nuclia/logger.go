package main

import (
	"io"
	"os"

	"github.com/nuclia/nuclia-go/pkg/logger"
)

const (
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"

	// The CLI prints results on stdout, so only warnings reach stderr by
	// default.
	defaultLogLevel  = "warn"
	defaultLogFormat = "simple"
)

// initLoggerFromCLI initializes the logger from CLI flags and environment variables.
// Priority: CLI flags > env vars > defaults
func initLoggerFromCLI(cliLogLevel, cliLogFile, cliLogFormat string, stderr io.Writer) (func(), error) {
	logLevel := firstSet(cliLogLevel, os.Getenv(LogLevelEnvVar), defaultLogLevel)
	logFile := firstSet(cliLogFile, os.Getenv(LogFileEnvVar))
	logFormat := firstSet(cliLogFormat, os.Getenv(LogFormatEnvVar), defaultLogFormat)

	output := stderr
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, err
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(logger.ParseLevel(logLevel), output, logger.ParseFormat(logFormat))
	return cleanup, nil
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
