// Package event publishes return lifecycle events to NATS JetStream.
// Consumers use them for notifications and downstream reporting; the gateway
// itself never reads them back.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/erilink/eri-gateway/internal/metrics"
	"github.com/erilink/eri-gateway/internal/model"
)

const (
	// StreamName is the JetStream stream holding every lifecycle event.
	StreamName = "ERI_RETURNS"

	SubjectTransitioned   = "eri.returns.transitioned"
	SubjectAcknowledgment = "eri.returns.acknowledgement"

	dedupWindow = 2 * time.Minute
)

// Publisher defines the event publishing operations required by the lifecycle.
type Publisher interface {
	// PublishTransition announces that a return moved between statuses.
	PublishTransition(ctx context.Context, t Transition) error

	// PublishAcknowledgement announces that an ITR-V was stored.
	PublishAcknowledgement(ctx context.Context, tenantID string, ack model.Acknowledgement) error

	// Close closes the publisher connection
	Close() error
}

// Transition is the payload of a transitioned event.
type Transition struct {
	TenantID   string             `json:"tenantId"`
	ReturnID   string             `json:"returnId"`
	From       model.ReturnStatus `json:"from"`
	To         model.ReturnStatus `json:"to"`
	ARNNumber  string             `json:"arnNumber,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// EventEnvelope wraps every published payload.
type EventEnvelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	TenantID      string    `json:"tenantId"`
	Payload       any       `json:"payload"`
}

// Noop discards events. It is used when NATS is not configured.
type Noop struct{}

// PublishTransition implements Publisher.
func (Noop) PublishTransition(context.Context, Transition) error { return nil }

// PublishAcknowledgement implements Publisher.
func (Noop) PublishAcknowledgement(context.Context, string, model.Acknowledgement) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// jetStream is the subset of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      jetStream
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	dedup map[string]time.Time // event key to last publish time
}

// NewPublisher connects to url and ensures the lifecycle stream exists.
// An empty url, or any connection failure, yields a Noop publisher so the
// gateway keeps working without an event bus.
func NewPublisher(url string) Publisher {
	if url == "" {
		return Noop{}
	}

	nc, err := nats.Connect(url, nats.Name("eri-gateway"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return Noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return Noop{}
	}

	if err := initStream(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return Noop{}
	}

	return newNATSPublisher(nc, js)
}

func newNATSPublisher(nc *nats.Conn, js jetStream) *natsPub {
	return &natsPub{
		nc:      nc,
		js:      js,
		metrics: metrics.NewMetrics(),
		now:     time.Now,
		dedup:   make(map[string]time.Time),
	}
}

func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"eri.returns.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// seen reports whether key was published within the dedup window, pruning
// stale keys as it goes.
func (p *natsPub) seen(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for k, t := range p.dedup {
		if now.Sub(t) > 2*dedupWindow {
			delete(p.dedup, k)
		}
	}
	last, ok := p.dedup[key]
	return ok && now.Sub(last) < dedupWindow
}

func (p *natsPub) mark(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dedup[key] = p.now()
}

// PublishTransition publishes a transitioned event. Repeats of the same
// return and target status inside the dedup window are dropped.
func (p *natsPub) PublishTransition(ctx context.Context, t Transition) error {
	key := t.ReturnID + ":" + string(t.To)
	if p.seen(key) {
		return nil
	}
	if err := p.publish(SubjectTransitioned, t.TenantID, t); err != nil {
		return err
	}
	p.mark(key)
	return nil
}

// PublishAcknowledgement publishes an acknowledgement event once per return.
func (p *natsPub) PublishAcknowledgement(ctx context.Context, tenantID string, ack model.Acknowledgement) error {
	key := "ack:" + ack.ReturnID
	if p.seen(key) {
		return nil
	}
	if err := p.publish(SubjectAcknowledgment, tenantID, ack); err != nil {
		return err
	}
	p.mark(key)
	return nil
}

func (p *natsPub) publish(subject, tenantID string, payload any) error {
	start := time.Now()
	env := EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    p.now().UTC(),
		CorrelationID: uuid.New().String(),
		TenantID:      tenantID,
		Payload:       payload,
	}
	b, err := json.Marshal(env)
	if err == nil {
		_, err = p.js.Publish(subject, b, nats.MsgId(env.CorrelationID))
	}
	status := metrics.Status(err)
	p.metrics.EventPublishTotal.WithLabelValues(subject, status).Inc()
	p.metrics.EventPublishDuration.WithLabelValues(subject, status).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
