// Package alert fans notifications out to pluggable channels with a
// severity floor and a dedupe window to keep tight failure loops from
// becoming alert storms.
package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func severityLevel(s Severity) int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Alert is one notification.
type Alert struct {
	Severity  Severity
	Title     string
	Message   string
	Context   map[string]string
	Timestamp time.Time
}

// Channel delivers alerts to one sink. Send failures are logged by the
// manager and never block other channels.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Manager gates by severity, suppresses duplicates inside the dedupe
// window, and dispatches to every channel.
type Manager struct {
	minSeverity  Severity
	dedupeWindow time.Duration
	channels     []Channel
	logger       *zap.SugaredLogger
	now          func() time.Time
	onDispatch   func(Severity)

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewManager(minSeverity Severity, dedupeWindow time.Duration, logger *zap.SugaredLogger, channels ...Channel) *Manager {
	return &Manager{
		minSeverity:  minSeverity,
		dedupeWindow: dedupeWindow,
		channels:     channels,
		logger:       logger,
		now:          time.Now,
		lastSent:     make(map[string]time.Time),
	}
}

// SetOnDispatch installs a hook fired once per alert that clears the
// severity gate and the dedupe window, typically a metrics counter.
// Call before the manager is shared across goroutines.
func (m *Manager) SetOnDispatch(fn func(Severity)) {
	m.onDispatch = fn
}

// Alert dispatches to all channels. A non-empty dedupeKey suppresses the
// alert silently when the same key was sent within the dedupe window.
func (m *Manager) Alert(ctx context.Context, severity Severity, title, message string, alertContext map[string]string, dedupeKey string) {
	if severityLevel(severity) < severityLevel(m.minSeverity) {
		return
	}

	if dedupeKey != "" {
		m.mu.Lock()
		if last, ok := m.lastSent[dedupeKey]; ok && m.now().Sub(last) < m.dedupeWindow {
			m.mu.Unlock()
			return
		}
		m.lastSent[dedupeKey] = m.now()
		m.mu.Unlock()
	}

	if m.onDispatch != nil {
		m.onDispatch(severity)
	}

	a := Alert{
		Severity:  severity,
		Title:     title,
		Message:   message,
		Context:   alertContext,
		Timestamp: m.now(),
	}
	for _, ch := range m.channels {
		if err := ch.Send(ctx, a); err != nil {
			if m.logger != nil {
				m.logger.Warnw("alert_channel_failed", "channel", ch.Name(), "title", title, "err", err)
			}
		}
	}
}

// ChannelCount reports how many sinks are attached.
func (m *Manager) ChannelCount() int { return len(m.channels) }
