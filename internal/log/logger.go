package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bombsimon/logrusr/v4"
	"github.com/go-logr/logr"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	"github.com/secplat/posture-pipeline/internal/config"
)

const appName = "secplat-pipeline"

// Discarding until Init is called, so that packages can log from tests.
var logger = logr.Discard()

// Init sets the process logger, writing to stdout.
func Init(conf config.Logs) error {
	ret, err := New(conf, os.Stdout)
	if err != nil {
		return err
	}

	logger = ret

	return nil
}

// New returns a logger writing to out. logr verbosity V(n) maps to logrus level info+n,
// so conf.Level is the highest verbosity printed.
func New(conf config.Logs, out io.Writer) (logr.Logger, error) {
	if conf.Level < 0 {
		return logr.Logger{}, fmt.Errorf("unexpected log level %d", conf.Level)
	}

	impl := logrus.New()

	impl.SetLevel(logrus.Level(conf.Level + int(logrus.InfoLevel)))
	impl.SetOutput(out)

	switch conf.Encoder {
	case config.EncoderTypeConsole:
		impl.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	case config.EncoderTypeJson:
		impl.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return logr.Logger{}, fmt.Errorf("unexpected encoder value %v", conf.Encoder)
	}

	entry := impl.WithFields(logrus.Fields{
		"app":     appName,
		"version": version.Version,
	})

	return logrusr.New(entry, logrusr.WithReportCaller()), nil
}

func Logger() logr.Logger {
	return logger
}
