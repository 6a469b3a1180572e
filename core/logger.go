package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the standard Logger implementation.
// JSON format for aggregated environments, text for local development.
// Thread-safe. Field values under secret-shaped keys are redacted before
// they reach the output writer.
type ProductionLogger struct {
	level   int
	format  string
	service string
	output  io.Writer
	mu      sync.Mutex
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// secretFieldmarkers lists substrings of field names whose values are
// never written out. Queue signing keys and credentials travel through
// configuration, not logs.
var secretFieldMarkers = []string{
	"secret", "password", "private_key", "signing_key", "api_key", "authorization", "credential",
}

// NewProductionLogger builds a logger from the logging configuration.
// An empty config yields info-level JSON on stdout.
func NewProductionLogger(cfg LoggingConfig, service string) *ProductionLogger {
	l := &ProductionLogger{
		level:   parseLevel(cfg.Level),
		format:  cfg.Format,
		service: service,
		output:  os.Stdout,
	}
	if l.format == "" {
		l.format = "json"
	}
	if cfg.Output == "stderr" {
		l.output = os.Stderr
	}
	return l
}

func parseLevel(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *ProductionLogger) log(level int, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	safe := redactFields(fields)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "text" {
		fmt.Fprintf(l.output, "%s %-5s %s%s\n",
			time.Now().Format(time.RFC3339), name, msg, formatTextFields(safe))
		return
	}

	entry := map[string]interface{}{
		"time":    time.Now().Format(time.RFC3339Nano),
		"level":   name,
		"service": l.service,
		"msg":     msg,
	}
	for k, v := range safe {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		// Fall back to text so the message is not lost
		fmt.Fprintf(l.output, "%s %-5s %s\n", time.Now().Format(time.RFC3339), name, msg)
		return
	}
	fmt.Fprintln(l.output, string(data))
}

func redactFields(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	safe := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if isSecretField(k) {
			safe[k] = "[REDACTED]"
			continue
		}
		safe[k] = v
	}
	return safe
}

func isSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range secretFieldMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func formatTextFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// Compile-time check that ProductionLogger satisfies Logger
var _ Logger = (*ProductionLogger)(nil)
