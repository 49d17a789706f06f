// Package log configures logrus output for regionsync binaries.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// NewFormatter returns the formatter used by every regionsync process.
// JSON output is meant for log shippers, text output for terminals.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		QuoteEmptyFields: true,
	}
}
