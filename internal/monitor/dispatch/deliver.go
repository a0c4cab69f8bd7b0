package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchmon/internal/monitor/acl"
	"batchmon/internal/monitor/breaker"
	"batchmon/internal/monitor/registry"
	"batchmon/internal/monitor/snapshot"
	"batchmon/internal/monitor/subscription"
	"batchmon/internal/protocol"
	"batchmon/internal/workpool"
	logx "batchmon/pkg/logx"
)

// topicOutcome summarizes the delivery of one topic to one session.
type topicOutcome struct {
	sent         int
	brokenErr    error // breaker-relevant: render failure or store unavailable
	sendFailed   bool
	disconnected bool
}

// pass delivers everything due for sub. lastSentAt only advances when no send
// failed, so failures are retried on the next tick.
func (d *Dispatcher) pass(ctx context.Context, sub *subscription.Subscription, now time.Time) {
	d.passes.Add(1)
	sess := sub.Session()
	if sess.Closed() {
		return
	}

	if iv, ok := sub.PendingNotice(); ok {
		err := d.sendControl(ctx, sess, "", protocol.NewIntervalAdjusted(iv))
		switch {
		case err == nil:
			sub.ClearNotice(iv)
		case errors.Is(err, registry.ErrDisconnected):
			d.drop(sess, err)
			return
		}
	}

	if !sub.Due(now, sub.Interval()) {
		return
	}

	failed := false
	for _, topic := range sub.Topics() {
		if !d.deps.Breaker.Allow(topic) {
			continue
		}
		release, ok := sub.HoldTopic(topic)
		if !ok {
			continue
		}
		out := d.deliverTopic(ctx, sub, topic, now)
		release()

		if out.brokenErr != nil {
			reason := out.brokenErr.Error()
			if tr, changed := d.deps.Breaker.RecordFailure(topic, reason); changed && tr.Opened() {
				d.announceOpen(ctx, tr)
			}
			failed = true
		} else {
			d.deps.Breaker.RecordSuccess(topic)
		}

		if out.disconnected {
			return
		}
		if out.sendFailed {
			failed = true
		}
	}
	if !failed {
		sub.MarkPass(now)
	}
}

func (d *Dispatcher) deliverTopic(ctx context.Context, sub *subscription.Subscription, topic acl.Topic, now time.Time) topicOutcome {
	var out topicOutcome
	sess := sub.Session()

	ids, all, ok := sub.Entities(topic)
	if !ok {
		return out
	}
	// an empty wildcard pass never reaches Diff
	if !d.deps.Store.Available() {
		out.brokenErr = snapshot.ErrUnavailable
		return out
	}
	if all {
		ids = d.deps.Store.Entities(topic)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			out.sendFailed = true
			return out
		}
		key := snapshot.Key{Topic: topic, Entity: id}
		res, err := d.deps.Store.Diff(key, sub.LastSent(key))
		if err != nil {
			out.brokenErr = err
			return out
		}

		var (
			msg  any
			kind string
		)
		switch res.Kind {
		case snapshot.KindMissing, snapshot.KindUnchanged:
			continue
		case snapshot.KindDelta:
			if res.Empty() {
				sub.MarkSent(key, res.Version)
				continue
			}
			changes, _ := acl.Redact(topic, sess.Roles, res.Changes).(map[string]any)
			msg, kind = protocol.NewMetricsDelta(string(topic), id, res.Version, changes, now), "delta"
		case snapshot.KindFull:
			payload := acl.Redact(topic, sess.Roles, res.Payload)
			msg, kind = protocol.NewMetricsUpdate(string(topic), id, res.Version, payload, now), "full"
		}

		frame, err := d.render(sess, msg)
		if err != nil {
			out.brokenErr = fmt.Errorf("render %s: %w", kind, err)
			return out
		}
		err = d.deps.Registry.SendTo(ctx, sess, frame)
		d.metrics.SendObserved(string(topic), kind, result(err), len(frame))
		switch {
		case err == nil:
			sub.MarkSent(key, res.Version)
			out.sent++
		case errors.Is(err, registry.ErrDisconnected):
			d.drop(sess, err)
			out.disconnected = true
			return out
		default:
			d.failLog.Do(func() {
				d.log.Warn("send failed; retrying next tick",
					logx.String("session", sess.ID),
					logx.String("topic", string(topic)),
					logx.String("entity", id),
					logx.Err(err),
				)
			})
			out.sendFailed = true
			return out
		}
	}
	return out
}

// sendControl renders and sends a non-data message.
func (d *Dispatcher) sendControl(ctx context.Context, sess *registry.Session, topic string, msg any) error {
	frame, err := d.render(sess, msg)
	if err != nil {
		d.log.Error("control render failed", logx.String("session", sess.ID), logx.Err(err))
		return err
	}
	err = d.deps.Registry.SendTo(ctx, sess, frame)
	d.metrics.SendObserved(topic, "control", result(err), len(frame))
	return err
}

// announceOpen tells every subscriber of the topic, once, that its circuit opened.
func (d *Dispatcher) announceOpen(ctx context.Context, tr breaker.Transition) {
	d.log.Warn("circuit opened",
		logx.String("topic", string(tr.Topic)),
		logx.String("reason", tr.Reason),
		logx.Duration("cooldown", d.deps.Breaker.Config().Cooldown),
	)
	msg := protocol.NewCircuitBreakerOpened(string(tr.Topic), tr.Reason)
	for _, sub := range d.deps.Subscriptions.Following(tr.Topic) {
		sess := sub.Session()
		job := workpool.Job{Name: "breaker-notice:" + sess.ID, Run: func(ctx context.Context) {
			// skip sessions that unsubscribed since the snapshot above
			release, ok := sub.HoldTopic(tr.Topic)
			if !ok {
				return
			}
			defer release()
			if err := d.sendControl(ctx, sess, string(tr.Topic), msg); errors.Is(err, registry.ErrDisconnected) {
				d.drop(sess, err)
			}
		}}
		if err := d.pool.TrySubmit(job); err != nil {
			// pool saturated or stopping: deliver inline
			job.Run(ctx)
		}
	}
}

func (d *Dispatcher) drop(sess *registry.Session, err error) {
	if d.deps.Registry.Unregister(sess.ID, registry.ReasonSendFailed) {
		d.log.Debug("session dropped after send", logx.String("session", sess.ID), logx.Err(err))
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrDisconnected):
		return "disconnected"
	case errors.Is(err, registry.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
