/*
Package logging builds the process logger.

PURPOSE:
  One logrus logger is created in main and handed to every component as a
  logrus.FieldLogger. Components add their own fields (component, job_id,
  district_id, target_month) instead of formatting them into messages.

FORMATS:
  json  (default)  {"timestamp":..., "level":..., "message":..., "service":...}
  text             logrus TextFormatter with full timestamps

FILE OUTPUT:
  When File is set, entries go to stdout and to a size-rotated file
  (lumberjack). Call Close on shutdown to release the file.
*/
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Config holds logger configuration.
type Config struct {
	Level       string    // debug, info, warn, error
	Format      string    // json, text
	Output      io.Writer // nil means stdout
	ServiceName string

	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is the service logger. The embedded entry carries the service field.
type Logger struct {
	*logrus.Entry
	closer io.Closer
}

// New creates a logger from cfg. An unknown level falls back to info.
func New(cfg Config) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	l := &Logger{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		l.closer = file
		out = io.MultiWriter(out, file)
	}
	log.SetOutput(out)

	service := cfg.ServiceName
	if service == "" {
		service = "reconciliation-engine"
	}
	l.Entry = log.WithField("service", service)
	return l
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
