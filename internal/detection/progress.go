package detection

import (
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/logger"
)

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(p models.Progress)

func (f SinkFunc) Publish(p models.Progress) { f(p) }

// NopSink drops everything; used when nobody is watching.
type NopSink struct{}

func (NopSink) Publish(models.Progress) {}

// ChannelSink forwards progress onto a bounded channel without ever
// blocking the run: when the consumer falls behind, updates are dropped.
type ChannelSink struct {
	ch chan models.Progress
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelSink{ch: make(chan models.Progress, buffer)}
}

func (s *ChannelSink) Publish(p models.Progress) {
	select {
	case s.ch <- p:
	default:
	}
}

func (s *ChannelSink) Updates() <-chan models.Progress { return s.ch }

func (s *ChannelSink) Close() { close(s.ch) }

// publish shields the run from the sink: a panicking or slow observer is
// logged and ignored, never fatal.
func publish(sink ProgressSink, p models.Progress) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Progress sink panicked; update dropped")
		}
	}()
	sink.Publish(p)
}
