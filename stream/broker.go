package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/eta"
	"github.com/taskhub/dispatch/ext"
	"github.com/taskhub/dispatch/geo"
	"github.com/taskhub/dispatch/notify"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
)

// Compile-time interface checks.
var (
	_ notify.Sender           = (*Broker)(nil)
	_ ext.Extension           = (*Broker)(nil)
	_ ext.RequestCreated      = (*Broker)(nil)
	_ ext.RequestBroadcast    = (*Broker)(nil)
	_ ext.OfferDeclined       = (*Broker)(nil)
	_ ext.OfferTimedOut       = (*Broker)(nil)
	_ ext.RequestMatched      = (*Broker)(nil)
	_ ext.RequestNoMatch      = (*Broker)(nil)
	_ ext.RequestExpired      = (*Broker)(nil)
	_ ext.RequestCancelled    = (*Broker)(nil)
	_ ext.RequestTransitioned = (*Broker)(nil)
	_ ext.DoerPositionUpdated = (*Broker)(nil)
	_ ext.Shutdown            = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the realtime notification channel. It receives lifecycle
// hooks as an extension, accepts direct notifications as a notify.Sender,
// and fans both out to subscribers via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
	now            func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	if prev, loaded := b.subscribers.Swap(subscriberID, sub); loaded {
		b.topics.UnsubscribeAll(subscriberID)
		prev.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Relay publishes an event that a peer node emitted to the local
// subscribers of its topic and audience. The copy is marked relayed so a
// forwarder never sends it back out. It returns the local delivery count.
func (b *Broker) Relay(evt *Event, audience []string) int {
	if evt == nil {
		return 0
	}
	out := *evt
	out.audience = audience
	out.relayed = true
	delivered, _ := b.publish(&out)
	return delivered
}

// publish broadcasts evt to every topic it resolves to.
func (b *Broker) publish(evt *Event) (delivered, dropped int) {
	delivered, dropped = b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
	b.totalDropped.Add(int64(dropped))
	return delivered, dropped
}

func (b *Broker) event(typ EventType, topic string, data any, audience ...string) *Event {
	return &Event{
		Type:      typ,
		Timestamp: b.now(),
		Topic:     topic,
		Data:      mustMarshal(data),
		audience:  audience,
	}
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── notify.Sender ───────────────────────────────────

// Send publishes n to its recipient's doer topic. A recipient with no
// connected subscriber is not an error; a recipient whose every
// subscriber dropped the event is, and wraps dispatch.ErrNetwork so the
// deliverer retries.
func (b *Broker) Send(ctx context.Context, n *notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("stream: marshal notification %s: %w", n.ID, err)
	}

	topic := DoerTopic(n.Recipient)
	evt := b.event(EventType(n.Kind), topic, NotificationData{
		NotificationID: n.ID.String(),
		RequestID:      n.RequestID.String(),
		Payload:        payload,
	})

	// Publish to the recipient alone first so a drop there is visible.
	delivered, dropped := b.topics.Broadcast([]string{topic}, evt)
	b.totalPublished.Add(int64(delivered))
	b.totalDropped.Add(int64(dropped))
	b.topics.Broadcast([]string{TopicFirehose}, evt)

	if delivered == 0 && dropped > 0 {
		return fmt.Errorf("stream: %s to %s: subscriber buffers full: %w", n.Kind, n.Recipient, dispatch.ErrNetwork)
	}
	return nil
}

// ── Payload helpers ─────────────────────────────────

func offerData(o *offer.Offer) OfferEventData {
	return OfferEventData{
		OfferID:          o.ID.String(),
		RequestID:        o.RequestID.String(),
		DoerID:           o.DoerID,
		DistanceKm:       o.DistanceKm,
		ResponseDeadline: o.ResponseDeadline,
		Response:         string(o.Response),
		Wave:             o.Wave,
	}
}

func requestData(r *request.Request) RequestEventData {
	return RequestEventData{
		RequestID:     r.ID.String(),
		GiverID:       r.GiverID,
		Status:        string(r.Status),
		Category:      r.Category,
		MatchedDoerID: r.MatchedDoerID,
		ETAMinutes:    r.EstimatedArrivalMinutes,
		Wave:          r.Wave,
		CancelledBy:   r.CancelledBy,
		CancelReason:  string(r.CancelReason),
		ExpiresAt:     r.ExpiresAt,
	}
}

// participants returns the giver topic plus the matched or released doer.
func participants(r *request.Request) []string {
	out := []string{GiverTopic(r.GiverID)}
	if r.MatchedDoerID != "" {
		out = append(out, DoerTopic(r.MatchedDoerID))
	}
	if r.ReleasedDoerID != "" {
		out = append(out, DoerTopic(r.ReleasedDoerID))
	}
	return out
}

func (b *Broker) closeOffers(offers []*offer.Offer) {
	for _, o := range offers {
		b.publish(b.event(EventOfferClosed, DoerTopic(o.DoerID), offerData(o)))
	}
}

// ── Search hooks ────────────────────────────────────

func (b *Broker) OnRequestCreated(_ context.Context, r *request.Request) error {
	b.publish(b.event(EventRequestCreated, RequestTopic(r.ID.String()), requestData(r), participants(r)...))
	return nil
}

func (b *Broker) OnRequestBroadcast(_ context.Context, r *request.Request, offers []*offer.Offer) error {
	data := requestData(r)
	data.OfferCount = len(offers)
	b.publish(b.event(EventRequestBroadcast, RequestTopic(r.ID.String()), data, GiverTopic(r.GiverID)))
	return nil
}

func (b *Broker) OnOfferDeclined(_ context.Context, r *request.Request, o *offer.Offer) error {
	b.publish(b.event(EventOfferDeclined, DoerTopic(o.DoerID), offerData(o), RequestTopic(r.ID.String())))
	return nil
}

func (b *Broker) OnOfferTimedOut(_ context.Context, o *offer.Offer) error {
	b.publish(b.event(EventOfferTimedOut, DoerTopic(o.DoerID), offerData(o)))
	return nil
}

// ── Outcome hooks ───────────────────────────────────

func (b *Broker) OnRequestMatched(_ context.Context, r *request.Request, _ *offer.Offer, superseded []*offer.Offer) error {
	b.publish(b.event(EventRequestMatched, RequestTopic(r.ID.String()), requestData(r), participants(r)...))
	b.closeOffers(superseded)
	return nil
}

func (b *Broker) OnRequestNoMatch(_ context.Context, r *request.Request) error {
	b.publish(b.event(EventRequestNoMatch, RequestTopic(r.ID.String()), requestData(r), GiverTopic(r.GiverID)))
	return nil
}

func (b *Broker) OnRequestExpired(_ context.Context, r *request.Request) error {
	b.publish(b.event(EventRequestExpired, RequestTopic(r.ID.String()), requestData(r), GiverTopic(r.GiverID)))
	return nil
}

func (b *Broker) OnRequestCancelled(_ context.Context, r *request.Request, superseded []*offer.Offer) error {
	b.publish(b.event(EventRequestCancelled, RequestTopic(r.ID.String()), requestData(r), participants(r)...))
	b.closeOffers(superseded)
	return nil
}

// ── Post-match hooks ────────────────────────────────

func (b *Broker) OnRequestTransitioned(_ context.Context, r *request.Request, from request.Status) error {
	data := requestData(r)
	data.PreviousState = string(from)
	b.publish(b.event(EventRequestStatus, RequestTopic(r.ID.String()), data, participants(r)...))
	return nil
}

func (b *Broker) OnDoerPositionUpdated(_ context.Context, r *request.Request, pos geo.Position, est eta.Estimate) error {
	b.publish(b.event(EventDoerPositionUpdated, RequestTopic(r.ID.String()), PositionEventData{
		RequestID:  r.ID.String(),
		DoerID:     r.MatchedDoerID,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		AccuracyM:  pos.AccuracyM,
		SampledAt:  pos.SampledAt,
		DistanceKm: est.DistanceKm,
		ETAMinutes: est.MinutesPtr(),
	}, GiverTopic(r.GiverID)))
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		b.topics.UnsubscribeAll(sub.ID())
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
