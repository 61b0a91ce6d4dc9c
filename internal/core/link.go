package core

import (
	"sockbridge/config"
	"sockbridge/internal/events"
	"sockbridge/internal/journal"
	"sockbridge/internal/metrics"
	"sockbridge/internal/session"
	"sockbridge/internal/transport"
	"sockbridge/util"
)

// link is a session together with its event plumbing.
type link struct {
	session *session.Session
	bus     *events.Bus
	metrics *metrics.Collector
	journal *journal.Journal
}

// openLink creates the session described by cfg.  Events go to the
// bus, the journal when configured, and extra.
func openLink(cfg *config.Config, provider transport.Provider, extra events.Sink, logger *util.Logger) (*link, error) {
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	l := &link{bus: events.NewBus(), metrics: metrics.New()}
	sinks := events.Multi{l.bus, extra}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, logger)
		if err != nil {
			return nil, err
		}
		l.journal = j
		sinks = append(sinks, j)
	}

	s, err := session.New(provider, params,
		session.WithLogger(logger),
		session.WithSink(sinks),
		session.WithMetrics(l.metrics),
		session.WithReadBufferSize(cfg.ReadBufferSize),
	)
	if err != nil {
		if l.journal != nil {
			l.journal.Close()
		}
		return nil, err
	}
	l.session = s
	return l, nil
}

// close tears the session down, then the journal.
func (l *link) close(logger *util.Logger) {
	l.session.Close()
	if l.journal != nil {
		if err := l.journal.Close(); err != nil {
			logger.Warn("closing journal: %v", err)
		}
	}
	logger.Verbose("session %s: %s", l.session.ID(), l.metrics.JSON())
}
