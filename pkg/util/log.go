package util

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is shared by every fibsync package. Entries carry the device name
// and, for table writes, the table and operation.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// ConfigureLogging sets the level by name and switches to JSON lines when
// jsonFormat is true. The level is left unchanged on error.
func ConfigureLogging(level string, jsonFormat bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return NewParameterError("logging", "level", level)
	}
	Logger.SetLevel(lvl)
	if jsonFormat {
		Logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05Z07:00",
		})
	}
	return nil
}

// SetLogOutput redirects the logger, mainly for tests.
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithDevice scopes an entry to one forwarding device.
func WithDevice(device string) *logrus.Entry {
	return Logger.WithField("device", device)
}

// WithTable scopes an entry to a single table write on a device.
func WithTable(device, table, op string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"device": device,
		"table":  table,
		"op":     op,
	})
}

// WithHandle scopes an entry to one managed object.
func WithHandle(device string, h fmt.Stringer) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"device": device,
		"handle": h.String(),
	})
}

func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }

func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }

func Warnf(format string, args ...interface{}) { Logger.Warnf(format, args...) }

func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }
