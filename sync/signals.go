package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignalKind names a drain trigger.
type SignalKind string

const (
	// SignalConnectivityRestored is raised when the host regains network access.
	SignalConnectivityRestored SignalKind = "connectivity-restored"
	// SignalPeriodicSync is raised by the periodic timer.
	SignalPeriodicSync SignalKind = "periodic-sync"
	// SignalManual is an explicit request to drain.
	SignalManual SignalKind = "manual"
)

// Signal asks the orchestrator to drain the queue.
type Signal struct {
	Kind   SignalKind `json:"kind"`
	Sender string     `json:"sender,omitempty"`
	At     time.Time  `json:"at"`
}

// SignalSource delivers signals from outside the process.
type SignalSource interface {
	OnSignal(callback func(Signal))
}

// PubSubSignaler shares drain signals between processes through Redis
// Pub/Sub. A process never receives its own signals.
type PubSubSignaler struct {
	client         *redis.Client
	channel        string
	senderID       string
	pubsub         *redis.PubSub
	callbacks      []func(Signal)
	callbacksMutex sync.RWMutex
	done           chan struct{}
	closeOnce      sync.Once
	wg             sync.WaitGroup
}

// NewPubSubSignaler creates a new Pub/Sub signaler.
func NewPubSubSignaler(client *redis.Client, channel, senderID string) *PubSubSignaler {
	return &PubSubSignaler{
		client:    client,
		channel:   channel,
		senderID:  senderID,
		callbacks: make([]func(Signal), 0),
		done:      make(chan struct{}),
	}
}

// Subscribe starts listening for signals. It returns once the subscription
// is confirmed by the server.
func (ps *PubSubSignaler) Subscribe(ctx context.Context) error {
	ps.pubsub = ps.client.Subscribe(ctx, ps.channel)
	if _, err := ps.pubsub.Receive(ctx); err != nil {
		ps.pubsub.Close()
		ps.pubsub = nil
		return err
	}

	ps.wg.Add(1)
	go ps.listen()

	return nil
}

// Publish broadcasts a signal to the other processes.
func (ps *PubSubSignaler) Publish(ctx context.Context, sig Signal) error {
	sig.Sender = ps.senderID
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	return ps.client.Publish(ctx, ps.channel, string(data)).Err()
}

// OnSignal registers a callback for received signals.
func (ps *PubSubSignaler) OnSignal(callback func(Signal)) {
	ps.callbacksMutex.Lock()
	defer ps.callbacksMutex.Unlock()
	ps.callbacks = append(ps.callbacks, callback)
}

// Close stops listening. The Redis client is left open.
func (ps *PubSubSignaler) Close() error {
	var err error
	ps.closeOnce.Do(func() {
		close(ps.done)
		if ps.pubsub != nil {
			err = ps.pubsub.Close()
		}
		ps.wg.Wait()
	})
	return err
}

func (ps *PubSubSignaler) listen() {
	defer ps.wg.Done()

	ch := ps.pubsub.Channel()

	for {
		select {
		case <-ps.done:
			return
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}

			var sig Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil || sig.Kind == "" {
				continue
			}

			// Our own broadcast.
			if sig.Sender == ps.senderID {
				continue
			}

			ps.callbacksMutex.RLock()
			callbacks := ps.callbacks
			ps.callbacksMutex.RUnlock()

			for _, callback := range callbacks {
				callback(sig)
			}
		}
	}
}
