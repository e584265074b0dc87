// Package logging provides the process-wide structured logger.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the
// underlying logging package.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the
// underlying logging package.
type LogFields logrus.Fields

var log *ContextLogger

// WithContext adds a "context" field containing the caller's
// function name and source file line number.
func WithContext() *logrus.Entry {
	return log.WithFields(
		logrus.Fields{
			"context": parentContext(),
		})
}

// WithContextFields is WithContext for calls that carry fields. An
// existing "context" field is renamed to "fields.context".
func WithContextFields(fields LogFields) *logrus.Entry {
	data := make(logrus.Fields, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	if v, ok := data["context"]; ok {
		data["fields.context"] = v
	}
	data["context"] = parentContext()
	return log.WithFields(data)
}

// Init configures level and output. When filename is empty, logs go to stderr.
// Only call from the main goroutine before serving.
func Init(level, filename string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var out io.Writer = os.Stderr
	if filename != "" {
		out, err = os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}

	log = newLogger(out, logLevel)
	return nil
}

// SetOutput redirects the logger, mostly for tests.
func SetOutput(out io.Writer) {
	log.SetOutput(out)
}

func newLogger(out io.Writer, level logrus.Level) *ContextLogger {
	return &ContextLogger{
		&logrus.Logger{
			Out:       out,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}
}

// CustomJSONFormatter is logrus.JSONFormatter with "time" renamed to "timestamp".
type CustomJSONFormatter struct{}

func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// encoding/json drops error values
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	for _, reserved := range []string{"timestamp", "msg", "level"} {
		if v, ok := data[reserved]; ok {
			data["fields."+reserved] = v
		}
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)
	data["msg"] = entry.Message
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON: %w", err)
	}

	return append(serialized, '\n'), nil
}

func parentContext() string {
	pc, _, line, ok := runtime.Caller(2)
	if !ok {
		return "?"
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return fmt.Sprintf("%s#%d", name, line)
}

func init() {
	log = newLogger(os.Stderr, logrus.InfoLevel)
}
