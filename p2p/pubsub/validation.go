package pubsub

import (
	"context"
	"sync"

	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
)

// Validator is an application-supplied boolean predicate run against every
// message published to a topic before it is accepted. Validators run
// concurrently; a message is accepted only if every validator across all of
// its topics returns true.
type Validator func(ctx context.Context, from peer.ID, msg *Message) bool

// validate runs every validator registered for any of msg's topics
// concurrently and reports the logical AND of their results. A topic with
// no registered validators contributes no constraint.
func (ps *PubSub) validate(ctx context.Context, from peer.ID, msg *Message) bool {
	ps.mu.Lock()
	var validators []Validator
	for _, t := range msg.TopicIDs {
		validators = append(validators, ps.validators[t]...)
	}
	ps.mu.Unlock()

	if len(validators) == 0 {
		return true
	}

	results := make([]bool, len(validators))
	var wg sync.WaitGroup
	for i, v := range validators {
		wg.Add(1)
		go func(i int, v Validator) {
			defer wg.Done()
			results[i] = runValidator(ctx, v, from, msg)
		}(i, v)
	}
	wg.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

// runValidator isolates a single validator call so a panicking or
// misbehaving validator can never take down the peer goroutine driving it.
func runValidator(ctx context.Context, v Validator, from peer.ID, msg *Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("validator panicked, rejecting message", "panic", r)
			ok = false
		}
	}()
	return v(ctx, from, msg)
}

// RegisterTopicValidator adds val to the set of validators run against
// every message published to topic.
func (ps *PubSub) RegisterTopicValidator(topic string, val Validator) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.validators[topic] = append(ps.validators[topic], val)
}

// UnregisterTopicValidator removes every validator registered for topic.
func (ps *PubSub) UnregisterTopicValidator(topic string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.validators, topic)
}
