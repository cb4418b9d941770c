// Package logger provides the node's structured logger. Entries go to zap
// and are also kept in a bounded in-memory ring so operators can follow
// recent activity over the status websocket.
package logger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Message is a single entry of the in-memory ring.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Level     string    `json:"level"` // debug, info, warning, error
}

type ring struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int
}

// Logger is a zap SugaredLogger plus the shared message ring. Loggers
// derived with With share the ring of their parent.
type Logger struct {
	sugar *zap.SugaredLogger
	ring  *ring
	// fields are the pairs bound with With; ring entries carry them too.
	fields []interface{}
}

// New builds a logger. mode "prod" selects JSON output, anything else the
// development console encoder. level is one of debug, info, warn, error.
func New(mode, level string, maxSize int) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return wrap(zl, maxSize), nil
}

// NewNop returns a logger that discards zap output but still records the
// ring, which keeps tests able to assert on logged activity.
func NewNop(maxSize int) *Logger {
	return wrap(zap.NewNop(), maxSize)
}

func wrap(zl *zap.Logger, maxSize int) *Logger {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &Logger{
		sugar: zl.Sugar(),
		ring:  &ring{messages: make([]Message, 0, maxSize), maxSize: maxSize},
	}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{sugar: l.sugar.With(keysAndValues...), ring: l.ring, fields: fields}
}

// Sync flushes buffered zap output.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
	l.ring.add("info", msg, l.fields, keysAndValues)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
	l.ring.add("warning", msg, l.fields, keysAndValues)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
	l.ring.add("error", msg, l.fields, keysAndValues)
}

func (r *ring) add(level, msg string, fields, kv []interface{}) {
	var b strings.Builder
	b.WriteString(msg)
	for _, pairs := range [][]interface{}{fields, kv} {
		for i := 0; i+1 < len(pairs); i += 2 {
			fmt.Fprintf(&b, " %v=%v", pairs[i], pairs[i+1])
		}
	}
	text := b.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, Message{Timestamp: time.Now(), Text: text, Level: level})

	// Keep only the last maxSize messages
	if len(r.messages) > r.maxSize {
		r.messages = r.messages[len(r.messages)-r.maxSize:]
	}
}

// GetRecent returns the most recent n messages (newest first)
func (l *Logger) GetRecent(n int) []Message {
	l.ring.mu.RLock()
	defer l.ring.mu.RUnlock()

	msgs := l.ring.messages
	if n > len(msgs) {
		n = len(msgs)
	}

	result := make([]Message, n)
	for i := 0; i < n; i++ {
		result[i] = msgs[len(msgs)-1-i]
	}
	return result
}
