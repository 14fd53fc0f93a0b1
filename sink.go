package m7dash

import (
	log "github.com/sirupsen/logrus"
)

// Sink receives conditioned channel updates from the engine. The engine
// has no knowledge of what the consumer does with them.
type Sink interface {
	Emit(Update)
}

// MultiSink fans a single update out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(u Update) {
	for _, s := range m {
		s.Emit(u)
	}
}

// LogSink writes every update to the log at debug level.
type LogSink struct{}

func (LogSink) Emit(u Update) {
	entry := log.WithField("channel", u.Channel)
	if u.Channel == ChannelDoor {
		entry = entry.WithField("door", u.Door)
	}
	switch u.Value.Kind {
	case KindNumber:
		entry = entry.WithField("value", u.Value.Num)
	case KindState:
		entry = entry.WithField("value", u.Value.State)
	case KindFlag:
		entry = entry.WithField("value", u.Value.Flag)
	case KindCruise:
		entry = entry.WithField("switchOn", u.Value.Cruise.SwitchOn).
			WithField("engaged", u.Value.Cruise.Engaged)
	}
	entry.Debug("telemetry update")
}
