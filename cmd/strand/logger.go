package main

import (
	"fmt"
	"os"

	"github.com/strand-agents/strand/pkg/logger"
)

const (
	// LogLevelEnvVar overrides the log level when no CLI flag is given.
	LogLevelEnvVar = "STRAND_LOG_LEVEL"
	// LogFileEnvVar overrides the log file when no CLI flag is given.
	LogFileEnvVar = "STRAND_LOG_FILE"
	// LogFormatEnvVar overrides the log format when no CLI flag is given.
	LogFormatEnvVar = "STRAND_LOG_FORMAT"
)

// initLoggerFromCLI initializes the logger. Priority: CLI flags > env vars
// > defaults. The cleanup function closes the log file, if any.
func initLoggerFromCLI(cliLevel, cliFile, cliFormat string) (func(), error) {
	logLevel := cliLevel
	if logLevel == "" {
		logLevel = os.Getenv(LogLevelEnvVar)
	}

	logFile := cliFile
	if logFile == "" {
		logFile = os.Getenv(LogFileEnvVar)
	}

	logFormat := cliFormat
	if logFormat == "" {
		logFormat = os.Getenv(LogFormatEnvVar)
	}
	if logFormat == "" {
		logFormat = "text"
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output *os.File
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	} else {
		output = os.Stderr
	}

	logger.Init(level, output, logFormat)
	return cleanup, nil
}
