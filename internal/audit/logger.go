package audit

// The audit sink is append-only and buffered: events accumulate in memory
// (up to bufferSize) and flush on a one-second ticker, on overflow, and on
// Close. The sink file is JSON-per-line, rotated by lumberjack. Reports are
// additionally handed to an optional store for the dashboard of record.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/airmslabs/airms-gateway/internal/metrics"
	"github.com/airmslabs/airms-gateway/internal/models"
)

const (
	bufferSize    = 100
	flushInterval = 1 * time.Second
)

// Logger is the audit sink interface.
type Logger interface {
	// Log appends one audit event.
	Log(ctx context.Context, event *Event) error

	// EmitReport records a completed risk report. Implements the
	// orchestrator's report sink.
	EmitReport(report *models.RiskReport)

	// Sync flushes buffered entries.
	Sync() error

	// Close flushes and stops the sink.
	Close() error
}

// ReportStore persists risk reports beyond the log file. The db package
// implements it over sqlite.
type ReportStore interface {
	SaveReport(ctx context.Context, report *models.RiskReport) error
}

// Config configures the audit sink.
type Config struct {
	AuditLogPath string `mapstructure:"audit_log_path"`
	MaxSizeMB    int    `mapstructure:"max_size_mb"`
	MaxBackups   int    `mapstructure:"max_backups"`
	MaxAgeDays   int    `mapstructure:"max_age_days"`
	Compress     bool   `mapstructure:"compress"`
}

// DefaultConfig returns the sink defaults.
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSizeMB:    100,
		MaxBackups:   10,
		MaxAgeDays:   30,
		Compress:     true,
	}
}

type auditLogger struct {
	sink   *zap.Logger
	app    *zap.Logger
	store  ReportStore
	config *Config

	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger builds the audit sink. store may be nil; reports then live only
// in the log file. app receives operational errors, never audit payloads.
func NewLogger(config *Config, store ReportStore, app *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if app == nil {
		app = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	l := &auditLogger{
		sink:        zap.New(core),
		app:         app,
		store:       store,
		config:      config,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(flushInterval),
		stopCh:      make(chan struct{}),
	}
	go l.autoFlush()
	return l, nil
}

// Log implements Logger.
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	metrics.AuditEventsTotal.WithLabelValues(string(event.EventType)).Inc()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// EmitReport implements Logger and the orchestrator's report sink.
func (l *auditLogger) EmitReport(report *models.RiskReport) {
	event := NewEvent(EventReportEmitted).
		WithRequestID(report.RequestID).
		WithDescription(fmt.Sprintf("risk report: action=%s level=%s", report.Action, report.Level))
	event.Mode = report.Mode
	event.Model = report.Model
	event.Action = report.Action
	event.OverallScore = report.OverallScore
	event.Level = report.Level
	event.IterationUsed = len(report.ToolTrace)
	event.DurationMs = report.ElapsedMS
	if report.InputAssessment != nil {
		event.FindingCount += len(report.InputAssessment.Findings)
	}
	if report.OutputAssessment != nil {
		event.FindingCount += len(report.OutputAssessment.Findings)
	}
	if len(report.ToolTrace) > 0 {
		event.WithMetadata("tool_trace", report.ToolTrace)
	}

	if err := l.Log(context.Background(), event); err != nil {
		l.app.Error("audit report event failed", zap.Error(err))
	}

	if l.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.store.SaveReport(ctx, report); err != nil {
			l.app.Error("audit report persist failed",
				zap.String("request_id", report.RequestID), zap.Error(err))
		}
	}
}

// flushLocked writes the buffer out. Caller holds the lock.
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, event := range l.buffer {
		payload, err := json.Marshal(event)
		if err != nil {
			l.app.Error("audit event marshal failed",
				zap.Error(err), zap.String("event_type", string(event.EventType)))
			continue
		}
		l.sink.Info(string(payload),
			zap.String("request_id", event.RequestID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Sync implements Logger.
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.sink.Sync()
}

// Close implements Logger.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		err = l.Sync()
	})
	return err
}
