package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"iaboard-pipeline/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	serviceName    = "iaboard-pipeline"
	serviceVersion = "1.0.0"
)

type Logger struct {
	*logrus.Logger
	cfg config.LogConfig
}

type Fields map[string]interface{}

func New(cfg config.LogConfig) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	out, err := buildOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger output: %w", err)
	}
	log.SetOutput(out)
	log.SetFormatter(buildFormatter(cfg.Format))
	log.SetReportCaller(true)
	log.AddHook(newMetadataHook())

	l := &Logger{Logger: log, cfg: cfg}
	l.WithFields(Fields{
		"level":  level.String(),
		"format": cfg.Format,
		"output": cfg.Output,
	}).Info("logger ready")

	return l, nil
}

// NewNop discards everything. Used by tests and by callers that do not care.
func NewNop() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Logger{Logger: log}
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields(fields))
}

func (l *Logger) WithRequestID(requestID string) *logrus.Entry {
	return l.Logger.WithField("request_id", requestID)
}

func (l *Logger) WithWorkflowID(workflowID string) *logrus.Entry {
	return l.Logger.WithField("workflow_id", workflowID)
}

func (l *Logger) WithProvider(provider string) *logrus.Entry {
	return l.Logger.WithField("provider", provider)
}

func (l *Logger) WithService(service string) *logrus.Entry {
	return l.Logger.WithField("service", service)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("error", err)
}

// LogRequest writes one access line per HTTP request. 5xx logs at error, 4xx at warn.
func (l *Logger) LogRequest(requestID, method, path, userAgent, clientIP string, duration time.Duration, statusCode int) {
	entry := l.WithFields(Fields{
		"type":        "http_request",
		"request_id":  requestID,
		"method":      method,
		"path":        path,
		"user_agent":  userAgent,
		"client_ip":   clientIP,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	})

	msg := fmt.Sprintf("%s %s -> %d", method, path, statusCode)
	switch {
	case statusCode >= 500:
		entry.Error(msg)
	case statusCode >= 400:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}

func (l *Logger) LogWorkflow(workflowID, action string, duration time.Duration, err error) {
	fields := Fields{
		"type":        "workflow",
		"workflow_id": workflowID,
		"action":      action,
	}
	withDuration(fields, duration)

	entry := l.WithFields(fields)
	if err != nil {
		entry.WithError(err).Error("workflow " + action + " failed")
		return
	}
	entry.Info("workflow " + action)
}

func (l *Logger) LogService(service, operation string, duration time.Duration, data map[string]interface{}, err error) {
	fields := Fields{
		"type":      "service",
		"operation": operation,
	}
	withDuration(fields, duration)
	merge(fields, data)

	entry := l.WithService(service).WithFields(logrus.Fields(fields))
	if err != nil {
		entry.WithError(err).Errorf("%s.%s failed", service, operation)
		return
	}
	entry.Infof("%s.%s ok", service, operation)
}

func (l *Logger) LogStep(workflowID, stepID, status, message string, data map[string]interface{}) {
	fields := Fields{
		"type":        "step",
		"workflow_id": workflowID,
		"step_id":     stepID,
		"status":      status,
	}
	merge(fields, data)

	entry := l.WithFields(fields)
	if status == "error" || strings.HasSuffix(status, "_failed") {
		entry.Warnf("step %s: %s", stepID, message)
		return
	}
	entry.Infof("step %s: %s", stepID, message)
}

// LogProvider records one router attempt against a backend.
func (l *Logger) LogProvider(provider, requestID, outcome string, duration time.Duration, err error) {
	entry := l.WithProvider(provider).WithFields(logrus.Fields{
		"type":        "provider_attempt",
		"request_id":  requestID,
		"outcome":     outcome,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warnf("provider %s: %s", provider, outcome)
		return
	}
	entry.Debugf("provider %s: %s", provider, outcome)
}

func (l *Logger) GetLogLevel() string {
	return strings.ToLower(l.GetLevel().String())
}

func (l *Logger) SetLogLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.SetLevel(parsed)
	l.WithField("new_level", parsed.String()).Info("log level changed")
	return nil
}

func withDuration(fields Fields, duration time.Duration) {
	if duration > 0 {
		fields["duration_ms"] = duration.Milliseconds()
	}
}

func merge(fields Fields, data map[string]interface{}) {
	for k, v := range data {
		fields[k] = v
	}
}

// metadataHook stamps every entry with the process identity.
type metadataHook struct {
	hostname string
	pid      int
}

func newMetadataHook() *metadataHook {
	hostname, _ := os.Hostname()
	return &metadataHook{hostname: hostname, pid: os.Getpid()}
}

func (h *metadataHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *metadataHook) Fire(entry *logrus.Entry) error {
	entry.Data["app"] = serviceName
	entry.Data["version"] = serviceVersion
	entry.Data["pid"] = h.pid
	if h.hostname != "" {
		entry.Data["hostname"] = h.hostname
	}
	return nil
}

func buildOutput(cfg config.LogConfig) (io.Writer, error) {
	switch cfg.Output {
	case "file", "both":
	default:
		return os.Stdout, nil
	}

	if cfg.FilePath == "" {
		return nil, fmt.Errorf("LOG_FILE_PATH is required for output %q", cfg.Output)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	if cfg.Output == "both" {
		return io.MultiWriter(os.Stdout, rotating), nil
	}
	return rotating, nil
}

func buildFormatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
				logrus.FieldKeyFunc: "caller",
			},
		}
	}
	return &logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	}
}
