package notifier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"

	"fleetstat/internal/protocol"
)

const logKind = "log"

// LogConfig configures the file log sink
type LogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	LogDir   string `yaml:"log_dir"`
	Template string `yaml:"tpl"`
}

// LogSink appends rendered events to a daily file in LogDir
type LogSink struct {
	dir    string
	tpl    *template.Template
	queue  *deliveryQueue
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewLogSink creates the sink and its directory
func NewLogSink(cfg LogConfig, logger logrus.FieldLogger) (*LogSink, error) {
	if cfg.LogDir == "" {
		return nil, fmt.Errorf("log_dir is required")
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	tpl, err := ParseTemplate(logKind, cfg.Template)
	if err != nil {
		return nil, err
	}

	logger = logger.WithField("sink", logKind)
	return &LogSink{
		dir:    cfg.LogDir,
		tpl:    tpl,
		queue:  newDeliveryQueue(defaultQueueSize, logger),
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *LogSink) Kind() string {
	return logKind
}

func (s *LogSink) Notify(kind EventKind, host *protocol.HostState) error {
	now := s.now()
	content, err := Render(s.tpl, kind, host, now)
	if err != nil {
		return err
	}
	if content == "" {
		return nil
	}

	path := s.FilePath(now)
	return s.queue.submit(func() {
		if err := appendLine(path, content); err != nil {
			s.logger.WithError(err).WithField("file", path).Error("failed to write notify log")
		}
	})
}

// FilePath returns the log file used for events at t
func (s *LogSink) FilePath(t time.Time) string {
	return filepath.Join(s.dir, "fleetstat.log."+t.Format("2006-01-02"))
}

// Close flushes pending writes
func (s *LogSink) Close() error {
	s.queue.close()
	return nil
}

func appendLine(path, content string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
