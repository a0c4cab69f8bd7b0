package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	logx "batchmon/pkg/logx"
)

type NATSConfig struct {
	URL string
	// SubjectPrefix is followed by ".<topic>.<entityId>".
	SubjectPrefix string
	// Queue, when set, load-balances subjects across replicas.
	Queue string
	Name  string

	ReconnectWait time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	c.SubjectPrefix = strings.Trim(c.SubjectPrefix, ".")
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "batchmon.ingest"
	}
	if c.Name == "" {
		c.Name = "batchmon"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// NATSSubscriber consumes "<prefix>.<topic>.<entityId>" messages. Requests
// (messages with a reply subject) get a Result back.
type NATSSubscriber struct {
	cfg  NATSConfig
	sink Sink
	log  logx.Logger
	warn *logx.Throttle

	received atomic.Uint64
	rejected atomic.Uint64
}

func NewNATSSubscriber(cfg NATSConfig, sink Sink, log logx.Logger) *NATSSubscriber {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NATSSubscriber{
		cfg:  cfg.withDefaults(),
		sink: sink,
		log:  log.With(logx.String("comp", "ingest.nats")),
		warn: logx.NewThrottle(10 * time.Second),
	}
}

// Run connects, subscribes and blocks until ctx is done.
func (s *NATSSubscriber) Run(ctx context.Context) error {
	cfg := s.cfg
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.log.Warn("nats disconnected", logx.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return err
	}
	defer nc.Close()

	subject := cfg.SubjectPrefix + ".>"
	var sub *nats.Subscription
	if cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(subject, cfg.Queue, s.handle)
	} else {
		sub, err = nc.Subscribe(subject, s.handle)
	}
	if err != nil {
		return err
	}
	if err := nc.Flush(); err != nil {
		return err
	}
	s.log.Info("nats ingest started", logx.String("subject", subject), logx.String("queue", cfg.Queue))

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.log.Debug("drain failed", logx.Err(err))
	}
	s.log.Info("nats ingest stopped",
		logx.Uint64("received", s.received.Load()),
		logx.Uint64("rejected", s.rejected.Load()),
	)
	return nil
}

func (s *NATSSubscriber) handle(msg *nats.Msg) {
	s.received.Add(1)
	topic, entity, ok := s.split(msg.Subject)

	var (
		res Result
		err error
	)
	if !ok {
		err = errors.New("subject must be <prefix>.<topic>.<entityId>")
	} else {
		res.Version, err = s.sink.IngestJSON(topic, entity, msg.Data)
	}
	if err != nil {
		s.rejected.Add(1)
		res.Error = err.Error()
		s.warn.Do(func() {
			s.log.Warn("ingest rejected", logx.String("subject", msg.Subject), logx.Err(err))
		})
	}

	if msg.Reply != "" {
		b, _ := json.Marshal(res)
		if err := msg.Respond(b); err != nil {
			s.log.Debug("reply failed", logx.Err(err))
		}
	}
}

// split parses "<prefix>.<topic>.<entityId>"; the entity may itself contain dots.
func (s *NATSSubscriber) split(subject string) (topic, entity string, ok bool) {
	rest, found := strings.CutPrefix(subject, s.cfg.SubjectPrefix+".")
	if !found {
		return "", "", false
	}
	topic, entity, ok = strings.Cut(rest, ".")
	return topic, entity, ok && topic != "" && entity != ""
}

type NATSStats struct {
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
}

func (s *NATSSubscriber) Stats() NATSStats {
	return NATSStats{Received: s.received.Load(), Rejected: s.rejected.Load()}
}
