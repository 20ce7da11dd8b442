package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"Ethy/internal/gossip"
	"Ethy/internal/logger"
)

const (
	// DefaultFanout is the number of peers a relayed message is sent to.
	DefaultFanout = 6

	// DefaultRebroadcastInterval is the period of the rebroadcast tick.
	DefaultRebroadcastInterval = 30 * time.Second

	// defaultTopicBuffer is the delivery buffer of a topic.
	defaultTopicBuffer = 256

	// maxKeptPerTopic bounds the messages kept for rebroadcast.
	maxKeptPerTopic = 8192
)

// Topic is the first byte of every gossip envelope.
type Topic byte

const (
	// TopicWitness carries encoded witnesses.
	TopicWitness Topic = 1

	// TopicNotarization carries notarization transactions.
	TopicNotarization Topic = 2
)

// ErrUnknownTopic is returned when publishing to an unregistered topic.
var ErrUnknownTopic = errors.New("unknown topic")

// MessageValidator decides what happens to a topic's messages.
type MessageValidator interface {
	Validate(sender string, data []byte) gossip.Result
	MessageExpired(data []byte) bool
	MessageAllowed(sender string, intent gossip.Intent, data []byte) bool
}

// batchFilter is implemented by validators that evaluate shared state once per rebroadcast.
type batchFilter interface {
	AllowedFilter() gossip.AllowFunc
}

// Transport sends envelopes to peers.
type Transport interface {
	Broadcast(data []byte) error
	Gossip(data []byte, fanout int) error
}

// EngineConfig holds gossip engine parameters.
type EngineConfig struct {
	Fanout              int           // Fanout is the relay fanout
	RebroadcastInterval time.Duration // RebroadcastInterval is the rebroadcast tick
}

// topicState is the per-topic validator, delivery channel and kept messages.
type topicState struct {
	validator MessageValidator    // validator judges messages
	out       chan []byte         // out delivers accepted payloads
	kept      map[[32]byte][]byte // kept are payloads eligible for rebroadcast
}

// Engine routes gossip envelopes through per-topic validators.
type Engine struct {
	transport Transport             // transport reaches peers
	cfg       EngineConfig          // cfg holds the parameters
	topics    map[Topic]*topicState // topics are fixed before Start
	mu        sync.Mutex            // mu protects kept maps

	stop chan struct{}  // stop ends the rebroadcast loop
	wg   sync.WaitGroup // wg waits for the rebroadcast loop
}

// NewEngine creates an engine over transport.
func NewEngine(transport Transport, cfg EngineConfig) *Engine {
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.RebroadcastInterval <= 0 {
		cfg.RebroadcastInterval = DefaultRebroadcastInterval
	}

	return &Engine{
		transport: transport,
		cfg:       cfg,
		topics:    make(map[Topic]*topicState),
		stop:      make(chan struct{}),
	}
}

// Register attaches a validator to topic and returns its delivery channel.
// Must be called before Start.
func (e *Engine) Register(topic Topic, v MessageValidator) <-chan []byte {
	st := &topicState{
		validator: v,
		out:       make(chan []byte, defaultTopicBuffer),
		kept:      make(map[[32]byte][]byte),
	}
	e.topics[topic] = st

	return st.out
}

// envelope prefixes payload with topic.
func envelope(topic Topic, payload []byte) []byte {
	return append([]byte{byte(topic)}, payload...)
}

// HandleMessage validates a received envelope, delivers and relays it.
func (e *Engine) HandleMessage(sender string, raw []byte) {
	if len(raw) < 2 {
		return
	}

	topic := Topic(raw[0])
	st, ok := e.topics[topic]
	if !ok {
		logger.Debug("message for unknown topic", "peer", sender, "topic", topic)
		return
	}

	payload := raw[1:]

	if st.validator.Validate(sender, payload) == gossip.Discard {
		return
	}

	e.keep(st, payload)

	select {
	case st.out <- payload:
	default:
		logger.Warn("topic buffer full, dropping message", "topic", topic)
	}

	if st.validator.MessageAllowed(sender, gossip.IntentForward, payload) {
		if err := e.transport.Gossip(raw, e.cfg.Fanout); err != nil {
			logger.Debug("relay failed", "topic", topic, "error", err)
		}
	}
}

// Publish keeps and broadcasts a locally produced payload.
func (e *Engine) Publish(topic Topic, payload []byte) error {
	st, ok := e.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTopic, topic)
	}

	e.keep(st, payload)

	if !st.validator.MessageAllowed("", gossip.IntentBroadcast, payload) {
		return nil
	}

	if err := e.transport.Broadcast(envelope(topic, payload)); err != nil {
		return fmt.Errorf("broadcast topic %d:\n%w", topic, err)
	}

	return nil
}

// keep stores payload for rebroadcast.
func (e *Engine) keep(st *topicState, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(st.kept) >= maxKeptPerTopic {
		return
	}

	st.kept[blake3.Sum256(payload)] = payload
}

// Kept returns the number of messages kept for topic.
func (e *Engine) Kept(topic Topic) int {
	st, ok := e.topics[topic]
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return len(st.kept)
}

// Start runs the rebroadcast loop.
func (e *Engine) Start() {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.RebroadcastInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.Rebroadcast()
			case <-e.stop:
				return
			}
		}
	}()
}

// Close stops the rebroadcast loop.
func (e *Engine) Close() {
	close(e.stop)
	e.wg.Wait()
}

// Rebroadcast prunes expired messages and re-sends the rest that are allowed.
func (e *Engine) Rebroadcast() {
	for topic, st := range e.topics {
		allow := st.validator.MessageAllowed
		if bf, ok := st.validator.(batchFilter); ok {
			allow = bf.AllowedFilter()
		}

		var live [][]byte

		e.mu.Lock()
		for hash, payload := range st.kept {
			if st.validator.MessageExpired(payload) {
				delete(st.kept, hash)
				continue
			}
			live = append(live, payload)
		}
		e.mu.Unlock()

		sent := 0
		for _, payload := range live {
			if !allow("", gossip.IntentPeriodicRebroadcast, payload) {
				continue
			}

			if err := e.transport.Broadcast(envelope(topic, payload)); err != nil {
				logger.Debug("rebroadcast failed", "topic", topic, "error", err)
				continue
			}
			sent++
		}

		if sent > 0 {
			logger.Debug("rebroadcast", "topic", topic, "messages", sent)
		}
	}
}
