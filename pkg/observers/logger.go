package observers

import (
	"log/slog"

	"github.com/voxtutor/voxtutor/pkg/metrics"
)

// LoggerObserver writes every telemetry event at debug level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.Event) {
	attrs := make([]any, 0, 2+2*len(ev.Tags))
	attrs = append(attrs, "value", ev.Value)
	for k, v := range ev.Tags {
		attrs = append(attrs, k, v)
	}
	o.log.Debug(ev.Name, attrs...)
}

// MultiObserver fans one event out to several sinks.
type MultiObserver struct {
	sinks []metrics.Observer
}

func NewMultiObserver(sinks ...metrics.Observer) *MultiObserver {
	out := make([]metrics.Observer, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiObserver{sinks: out}
}

func (o *MultiObserver) RecordEvent(ev metrics.Event) {
	for _, s := range o.sinks {
		s.RecordEvent(ev)
	}
}

func (o *MultiObserver) Flush() error {
	for _, s := range o.sinks {
		if f, ok := s.(metrics.Flusher); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}
