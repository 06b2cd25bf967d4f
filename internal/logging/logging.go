// Package logging configures the process-wide logrus logger: a compact
// single-line format with source location, optional rotating file output, and
// bridges that route Gin's own log writers through logrus.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once

	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger

	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// LogFormatter renders entries as
//
//	[2006-01-02 15:04:05] [level] [file.go:42] message
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	where := "-"
	if entry.Caller != nil {
		where = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}

	return fmt.Appendf(nil, "[%s] [%s] [%s] %s\n",
		entry.Time.Format("2006-01-02 15:04:05"),
		entry.Level,
		where,
		strings.TrimRight(entry.Message, "\r\n")), nil
}

// Setup initializes the shared logrus instance and reroutes Gin's writers
// through it. Calling it more than once is a no-op.
func Setup() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})
		log.SetLevel(log.InfoLevel)

		bridgeGin()

		log.RegisterExitHandler(closeWriters)
	})
}

// bridgeGin points Gin's default writers and debug printer at logrus so the
// framework's own output shares one format and destination.
func bridgeGin() {
	ginInfoWriter = log.StandardLogger().Writer()
	gin.DefaultWriter = ginInfoWriter

	ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
	gin.DefaultErrorWriter = ginErrorWriter

	gin.DebugPrintFunc = func(format string, values ...interface{}) {
		log.StandardLogger().Infof(strings.TrimRight(format, "\r\n"), values...)
	}
}

// SetLevel toggles between debug and info verbosity.
func SetLevel(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}

// ConfigureOutput points the global logger at a rotating file under logs/
// when toFile is true, or back at stdout otherwise. Safe to call at runtime;
// config reloads use it to flip destinations without restarting.
func ConfigureOutput(toFile bool) error {
	Setup()

	outputMu.Lock()
	defer outputMu.Unlock()

	if !toFile {
		closeFileLocked()
		log.SetOutput(os.Stdout)
		return nil
	}

	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}

	closeFileLocked()
	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "claude-gate.log"),
		MaxSize:    20, // megabytes per file
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	log.SetOutput(fileWriter)
	return nil
}

func closeFileLocked() {
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
}

func closeWriters() {
	outputMu.Lock()
	defer outputMu.Unlock()

	closeFileLocked()
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}
