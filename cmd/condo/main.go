package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is inserted at build using --ldflags -X
var Version = "(unknown version)"

func main() {
	dlog.SetFallbackLogger(makeBaseLogger())
	ctx := context.Background()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "condo",
		Short:        "condo",
		Long:         "condo - materialize service documents from nodes and roles",
		Version:      Version,
		SilenceUsage: true,
		RunE:         run,
	}
}

func makeBaseLogger() dlog.Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
	logrusLogger.SetReportCaller(false)

	const defaultLogLevel = logrus.InfoLevel

	logLevelMessage := "Logging at this level"
	logLevelStr := os.Getenv("LOG_LEVEL")
	logLevel, err := logrus.ParseLevel(logLevelStr)

	switch {
	case logLevelStr == "": // not specified -> use default
		logLevel = defaultLogLevel
		logLevelMessage += " (default)"
	case err != nil: // didn't parse -> use default and show the error
		logLevel = defaultLogLevel
		logLevelMessage += fmt.Sprintf(" (LOG_LEVEL=%q -> %s)", logLevelStr, err.Error())
	default:
		logLevelMessage += fmt.Sprintf(" (LOG_LEVEL=%q)", logLevelStr)
	}

	logrusLogger.SetLevel(logLevel)
	logrusLogger.Log(logLevel, logLevelMessage)

	return dlog.WrapLogrus(logrusLogger)
}
