package queue

import (
	"fmt"
	"time"

	"signet/internal/platform/config"
)

const (
	QueueEmail             = "email"
	QueuePDFProcessing     = "pdf-processing"
	QueueWebhookDelivery   = "webhook-delivery"
	QueueCleanup           = "cleanup"
	QueueScheduledSend     = "scheduled-send"
	QueueDeadlineReminders = "deadline-reminders"
)

// Settings bound how long a job may run and how long its lease lasts. LockDuration must be
// strictly larger than Timeout or the stalled detector reclaims jobs that are still running.
type Settings struct {
	Timeout         time.Duration
	LockDuration    time.Duration
	StalledInterval time.Duration
	Concurrency     int
}

var DefaultQueueSettings = map[string]Settings{
	QueueEmail:             {Timeout: 30 * time.Second, LockDuration: 45 * time.Second, StalledInterval: 15 * time.Second, Concurrency: 5},
	QueuePDFProcessing:     {Timeout: 5 * time.Minute, LockDuration: 6 * time.Minute, StalledInterval: time.Minute, Concurrency: 2},
	QueueWebhookDelivery:   {Timeout: 30 * time.Second, LockDuration: 45 * time.Second, StalledInterval: 15 * time.Second, Concurrency: 5},
	QueueCleanup:           {Timeout: 10 * time.Minute, LockDuration: 12 * time.Minute, StalledInterval: 2 * time.Minute, Concurrency: 1},
	QueueScheduledSend:     {Timeout: time.Minute, LockDuration: 90 * time.Second, StalledInterval: 30 * time.Second, Concurrency: 2},
	QueueDeadlineReminders: {Timeout: time.Minute, LockDuration: 90 * time.Second, StalledInterval: 30 * time.Second, Concurrency: 2},
}

var fallbackSettings = Settings{Timeout: 30 * time.Second, LockDuration: 45 * time.Second, StalledInterval: 15 * time.Second, Concurrency: 1}

// SettingsFor returns the settings of a named queue with any configured overrides applied.
func SettingsFor(name string, overrides map[string]config.QueueConfig) Settings {
	s, ok := DefaultQueueSettings[name]
	if !ok {
		s = fallbackSettings
	}

	o, ok := overrides[name]
	if !ok {
		return s
	}
	if o.Timeout > 0 {
		s.Timeout = o.Timeout
	}
	if o.LockDuration > 0 {
		s.LockDuration = o.LockDuration
	}
	if o.StalledInterval > 0 {
		s.StalledInterval = o.StalledInterval
	}
	if o.Concurrency > 0 {
		s.Concurrency = o.Concurrency
	}
	return s
}

func (s Settings) Validate() error {
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	if s.LockDuration <= s.Timeout {
		return fmt.Errorf("lock duration %s must exceed timeout %s", s.LockDuration, s.Timeout)
	}
	if s.StalledInterval <= 0 {
		return fmt.Errorf("stalled interval must be positive, got %s", s.StalledInterval)
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", s.Concurrency)
	}
	return nil
}
