package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/resilience"
)

const (
	defaultQueueGroup = "archivers"
	eventTypeHeader   = "Leaf-Event"
	eventTypeComplete = "prediction.completed"
)

// Queue carries PredictionCompleted events between the API and the worker.
type Queue struct {
	conn    *nats.Conn
	subject string
	group   string
	guard   *resilience.Guard
}

var (
	_ ports.EventPublisher  = (*Queue)(nil)
	_ ports.EventSubscriber = (*Queue)(nil)
)

type Options struct {
	ClientName           string
	QueueGroup           string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	Guard                *resilience.Guard
}

func New(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	name := options.ClientName
	if name == "" {
		name = "leaf-nutrient-advisor"
	}
	group := options.QueueGroup
	if group == "" {
		group = defaultQueueGroup
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:    conn,
		subject: subject,
		group:   group,
		guard:   options.Guard,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishPredictionCompleted(ctx context.Context, event domain.PredictionCompleted) error {
	msg, err := encodeEvent(q.subject, event)
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := q.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.guard != nil {
		err = q.guard.Execute(ctx, "nats.publish", call, countsAgainstBreaker)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

// SubscribePredictionCompleted blocks until ctx is done, then drains.
func (q *Queue) SubscribePredictionCompleted(ctx context.Context, handler func(context.Context, domain.PredictionCompleted) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		dispatch(handlerCtx, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeEvent(subject string, event domain.PredictionCompleted) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode prediction event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(eventTypeHeader, eventTypeComplete)
	msg.Header.Set(nats.MsgIdHdr, event.Token)
	return msg, nil
}

func decodeEvent(msg *nats.Msg) (domain.PredictionCompleted, error) {
	var event domain.PredictionCompleted
	if kind := msg.Header.Get(eventTypeHeader); kind != "" && kind != eventTypeComplete {
		return event, fmt.Errorf("unexpected event type %q", kind)
	}
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return event, fmt.Errorf("decode prediction event: %w", err)
	}
	if event.Token == "" {
		return event, errors.New("prediction event has no token")
	}
	return event, nil
}

func dispatch(ctx context.Context, msg *nats.Msg, handler func(context.Context, domain.PredictionCompleted) error) {
	event, err := decodeEvent(msg)
	if err != nil {
		slog.Warn("prediction_event_rejected", "subject", msg.Subject, "error", err)
		return
	}
	if err := handler(ctx, event); err != nil {
		slog.Error("prediction_event_handler_failed", "token", event.Token, "error", err)
	}
}

func countsAgainstBreaker(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func wrapTemporaryIfNeeded(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if resilience.IsCircuitOpen(err) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrDisconnected) {
		return domain.WrapError(domain.ErrTemporary, "nats publish", err)
	}
	return err
}
