package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/pointsminer/core/internal/apperrors"
)

const (
	outQueueCap      = 1024 // spec §4.6 default decoded-event queue capacity
	maxAuthFailures  = 3    // spec §4.2 auth-refresh escalation threshold
	edgeURLDefault   = "wss://pubsub-edge.twitch.tv/v1"
)

// Multiplexer is the C2 PubSub Multiplexer: a pool of WebSocket connections,
// each capped at topicCap topics, fronted by a single ordered decoded-event
// queue with the drop/coalesce backpressure policy from spec §4.6. Grounded
// on infrastructure/nats_client.go's mutex-guarded client plus reconnect
// handler shape, generalized from one NATS connection to N pooled
// WebSocket connections.
type Multiplexer struct {
	edgeURL  string
	authFunc func() string
	onFatalAuth func(error) // escalation callback, spec §4.2 "auth-refresh escalation"

	mu         sync.Mutex
	conns      []*connection
	topicConn  map[string]int // topic -> index into conns
	authFails  int

	queueMu sync.Mutex
	queueCv *sync.Cond
	queue   []Event
	closed  bool

	nextConnID int
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

func WithEdgeURL(url string) Option {
	return func(m *Multiplexer) { m.edgeURL = url }
}

// New builds a Multiplexer. authFunc returns the current bearer token
// (typically auth.Store.Current().AccessToken); onFatalAuth is invoked on
// every refused LISTEN once maxAuthFailures refusals have been counted since
// the last successful dial, per spec §4.2.
func New(authFunc func() string, onFatalAuth func(error), opts ...Option) *Multiplexer {
	m := &Multiplexer{
		edgeURL:     edgeURLDefault,
		authFunc:    authFunc,
		onFatalAuth: onFatalAuth,
		topicConn:   make(map[string]int),
	}
	m.queueCv = sync.NewCond(&m.queueMu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Topic naming, spec §4.2.
func videoPlaybackTopic(channelID string) string   { return "video-playback-by-id." + channelID }
func predictionsTopic(channelID string) string     { return "predictions-channel-v1." + channelID }
func communityPointsTopic(userID string) string    { return "community-points-user-v1." + userID }
func raidTopic(channelID string) string             { return "raid." + channelID }

// Subscribe attaches the topic set for one streamer: playback and
// predictions always, community points under the authed user (shared across
// streamers, subscribed at most once), and raid only if followRaid is set.
func (m *Multiplexer) Subscribe(ctx context.Context, channelID, authedUserID string, followRaid bool) error {
	topics := []string{videoPlaybackTopic(channelID), predictionsTopic(channelID)}
	if followRaid {
		topics = append(topics, raidTopic(channelID))
	}
	if authedUserID != "" {
		topics = append(topics, communityPointsTopic(authedUserID))
	}
	for _, t := range topics {
		if err := m.subscribeTopic(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe drops a streamer's topics. The shared community-points topic
// is left alone unless explicitly removed elsewhere.
func (m *Multiplexer) Unsubscribe(channelID string, followRaid bool) {
	topics := []string{videoPlaybackTopic(channelID), predictionsTopic(channelID)}
	if followRaid {
		topics = append(topics, raidTopic(channelID))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		idx, ok := m.topicConn[t]
		if !ok {
			continue
		}
		m.conns[idx].unsubscribe(t)
		delete(m.topicConn, t)
	}
}

func (m *Multiplexer) subscribeTopic(ctx context.Context, topic string) error {
	m.mu.Lock()
	if _, exists := m.topicConn[topic]; exists {
		m.mu.Unlock()
		return nil
	}

	var target *connection
	var idx int
	for i, c := range m.conns {
		if c.hasRoom() {
			target, idx = c, i
			break
		}
	}
	if target == nil {
		target = newConnection(m.nextConnID, m.edgeURL, m.authFunc)
		m.nextConnID++
		idx = len(m.conns)
		m.conns = append(m.conns, target)
		m.mu.Unlock()

		if err := m.dialWithBackoff(ctx, target); err != nil {
			return err
		}
		go target.readLoop(ctx, func(f pubsubFrame) { m.handleFrame(target, f) })

		m.mu.Lock()
	}
	m.topicConn[topic] = idx
	m.mu.Unlock()

	return target.subscribe(topic)
}

// dialWithBackoff retries a connection dial with spec §4.2's 1s->60s
// exponential backoff and resets the auth-refusal count once a dial
// succeeds. Escalation to onFatalAuth happens in recordAuthFailure.
func (m *Multiplexer) dialWithBackoff(ctx context.Context, c *connection) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.3

	op := func() error {
		err := c.dial(ctx)
		if err == nil {
			m.mu.Lock()
			m.authFails = 0
			m.mu.Unlock()
			return nil
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// handleFrame decodes one raw PubSub frame and enqueues the resulting
// Event(s), or treats a RESPONSE error as an auth refusal.
func (m *Multiplexer) handleFrame(c *connection, frame pubsubFrame) {
	switch frame.Type {
	case "RESPONSE":
		if frame.Error != "" {
			m.recordAuthFailure(fmt.Errorf("pubsub listen refused: %s", frame.Error))
		}
		return
	case "PONG":
		return
	case "MESSAGE":
		var env struct {
			Topic   string `json:"topic"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			log.WithError(err).Warn("malformed pubsub message envelope")
			return
		}
		ev, ok := decodeMessage(env.Topic, env.Message)
		if !ok {
			return
		}
		m.enqueue(ev)
	}
}

func (m *Multiplexer) recordAuthFailure(err error) {
	m.mu.Lock()
	m.authFails++
	fails := m.authFails
	m.mu.Unlock()

	log.WithError(err).WithField("failures", fails).Warn("pubsub auth refusal")
	if fails >= maxAuthFailures && m.onFatalAuth != nil {
		m.onFatalAuth(&apperrors.Fatal{Err: fmt.Errorf("pubsub auth refused %d times: %w", fails, err)})
	}
}

// enqueue applies spec §4.6's backpressure policy: drop the oldest
// ViewCount event first, then coalesce PredictionUpdated by event id,
// never drop StreamUp/StreamDown/PointsEarned (the queue grows past
// capacity rather than lose one).
func (m *Multiplexer) enqueue(ev Event) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	if m.closed {
		return
	}

	if ev.Kind == KindPredictionUpdated && ev.Prediction != nil {
		for i, q := range m.queue {
			if q.Kind == KindPredictionUpdated && q.Prediction != nil && q.Prediction.EventID == ev.Prediction.EventID {
				m.queue[i] = ev
				m.queueCv.Signal()
				return
			}
		}
	}

	if len(m.queue) >= outQueueCap {
		switch ev.Kind {
		case KindStreamUp, KindStreamDown, KindPointsEarned:
			// never dropped; queue is allowed to exceed its nominal cap.
		default:
			if m.dropOldest(KindViewCount) {
				break
			}
			if ev.Kind != KindPredictionUpdated {
				log.WithField("kind", ev.Kind).Warn("pubsub output queue full, dropping event")
				return
			}
		}
	}

	m.queue = append(m.queue, ev)
	m.queueCv.Signal()
}

func (m *Multiplexer) dropOldest(kind EventKind) bool {
	for i, q := range m.queue {
		if q.Kind == kind {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Next blocks until a decoded event is available or ctx is done.
func (m *Multiplexer) Next(ctx context.Context) (Event, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.queueMu.Lock()
			m.queueCv.Broadcast()
			m.queueMu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	for len(m.queue) == 0 {
		if m.closed {
			return Event{}, fmt.Errorf("multiplexer closed")
		}
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		m.queueCv.Wait()
	}
	ev := m.queue[0]
	m.queue = m.queue[1:]
	return ev, nil
}

// Liveness runs the 4min(+/-30s jitter) ping / 10s pong-timeout loop for
// every pooled connection until ctx is canceled. Dead connections are
// redialed with backoff; their topic set is preserved across the reconnect.
func (m *Multiplexer) Liveness(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			conns := append([]*connection(nil), m.conns...)
			m.mu.Unlock()

			now := time.Now()
			for _, c := range conns {
				if c.isDead(now) {
					log.WithField("connection", c.id).Warn("pubsub connection timed out, reconnecting")
					if err := m.dialWithBackoff(ctx, c); err != nil {
						log.WithError(err).WithField("connection", c.id).Error("pubsub reconnect failed")
					}
					continue
				}
				jitter := time.Duration(rand.Int63n(int64(60 * time.Second))) - 30*time.Second
				if now.Sub(c.lastPingAt())+jitter >= pingInterval {
					if err := c.ping(); err != nil {
						log.WithError(err).WithField("connection", c.id).Warn("pubsub ping failed")
					}
				}
			}
		}
	}
}

// Close tears down every pooled connection and unblocks any pending Next.
func (m *Multiplexer) Close() {
	m.queueMu.Lock()
	m.closed = true
	m.queueCv.Broadcast()
	m.queueMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.close()
	}
}
