package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Logger writes "[Tokenr] " prefixed lines. Debug output is gated by a
// runtime toggle so tracking stays silent unless asked otherwise.
type Logger struct {
	logger *log.Logger
	debug  atomic.Bool
}

func New(prefix string, w io.Writer, debug bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	l := &Logger{logger: log.New(w, fmt.Sprintf("[%s] ", prefix), log.LstdFlags)}
	l.debug.Store(debug)
	return l
}

func (l *Logger) SetDebug(on bool) {
	l.debug.Store(on)
}

func (l *Logger) Debug(msg string, keyvals ...any) {
	if !l.debug.Load() {
		return
	}
	l.logger.Println(format("DEBUG", msg, keyvals...))
}

// Warn is for misconfiguration the user should see even without debug.
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.logger.Println(format("WARN", msg, keyvals...))
}

func format(level, msg string, keyvals ...any) string {
	var sb strings.Builder
	sb.WriteString(level)
	sb.WriteString(": ")
	sb.WriteString(msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", keyvals[i], keyvals[i+1])
	}
	if len(keyvals)%2 == 1 {
		fmt.Fprintf(&sb, " %v=<missing>", keyvals[len(keyvals)-1])
	}
	return sb.String()
}
