package eventhook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger for the extension.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithEnabledEvents sets which event types to publish.
// If not called, all events are published.
func WithEnabledEvents(types ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool)
		for _, t := range types {
			e.enabled[t] = true
		}
	}
}

// WithDisabledEvents sets which event types to skip.
func WithDisabledEvents(types ...string) Option {
	return func(e *Extension) {
		if e.enabled == nil {
			e.enabled = make(map[string]bool)
			for _, t := range allEvents() {
				e.enabled[t] = true
			}
		}
		for _, t := range types {
			delete(e.enabled, t)
		}
	}
}
