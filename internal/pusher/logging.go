package pusher

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/uncloud/tarpush/internal/upload"
)

// configureLogging sets the level and format of the standard logger. Empty values keep the current settings.
func configureLogging(level, formatter string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logrus.SetLevel(lvl)
	}

	switch formatter {
	case "":
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		return fmt.Errorf("invalid log formatter: '%s'; expected 'json' or 'text'", formatter)
	}

	return nil
}

// progressLogger logs upload progress in steps of progressStep percent.
type progressLogger struct {
	mu   sync.Mutex
	last map[string]int
}

const progressStep = 10

func newProgressLogger() *progressLogger {
	return &progressLogger{last: make(map[string]int)}
}

func (l *progressLogger) report(p upload.Progress) {
	step := int(p.Percent()) / progressStep

	l.mu.Lock()
	last, seen := l.last[p.ID]
	done := p.Sent == p.Total
	if seen && step == last && !done {
		l.mu.Unlock()
		return
	}
	if done {
		delete(l.last, p.ID)
	} else {
		l.last[p.ID] = step
	}
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"upload.id": p.ID,
		"repo":      p.Repo,
		"sent":      p.Sent,
		"total":     p.Total,
	}).Infof("Pushing... %.2f%%", p.Percent())
}
