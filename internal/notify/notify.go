// Package notify delivers operator alerts: anchoring failures, dependency
// health transitions and other conditions a human must act on.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity Severity          `json:"severity"`
	Subject  string            `json:"subject"`
	Detail   string            `json:"detail,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Notifier delivers alerts to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to zap. It never fails.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("kind", a.Kind),
		zap.String("severity", string(a.Severity)),
		zap.String("detail", a.Detail),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	switch a.Severity {
	case SeverityCritical:
		n.logger.Error("operator alert: "+a.Subject, fields...)
	case SeverityWarning:
		n.logger.Warn("operator alert: "+a.Subject, fields...)
	default:
		n.logger.Info("operator alert: "+a.Subject, fields...)
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
