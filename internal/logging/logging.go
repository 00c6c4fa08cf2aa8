// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Console as a log path keeps logging on stderr.
const Console = "console"

// Init parses and sets the log level and, when logPath names a file, sends
// output to it with rotation.
func Init(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	var out io.Writer = os.Stderr
	if logPath != "" && logPath != Console {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		out = &lumberjack.Logger{
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:          true,
		DisableLevelTruncation: true,
	})
	log.SetLevel(level)
	return nil
}
