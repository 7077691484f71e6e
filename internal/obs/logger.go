package obs

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// sensitiveKeys is the vocabulary of field names whose values are masked in
// log output.
var sensitiveKeys = []string{"api_key", "apikey", "secret", "token", "signature", "passphrase", "password"}

// MaskSecret renders a sensitive value as its first three characters plus
// stars.
func MaskSecret(s string) string {
	if len(s) <= 3 {
		return "***"
	}
	return s[:3] + "***"
}

// maskingFormatter wraps a JSON formatter and masks sensitive fields before
// rendering.
type maskingFormatter struct {
	inner logrus.Formatter
}

func (f *maskingFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	masked := entry
	for key := range entry.Data {
		if isSensitiveKey(key) {
			if masked == entry {
				masked = entry.Dup()
				masked.Level = entry.Level
				masked.Message = entry.Message
			}
			if s, ok := masked.Data[key].(string); ok {
				masked.Data[key] = MaskSecret(s)
			} else {
				masked.Data[key] = "***"
			}
		}
	}
	return f.inner.Format(masked)
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}

// NewLogger builds the process logger: JSON output, millisecond timestamps,
// secret masking.
func NewLogger(level string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&maskingFormatter{inner: &logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Component scopes a logger entry to a subsystem.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
