package pubsub

import (
	"context"
	"fmt"
)

// Topic is a handle returned by Join; Subscribe and Publish operate
// through it.
type Topic struct {
	ps   *PubSub
	name string
}

// Join returns a handle for topic. It records nothing itself; local
// subscription bookkeeping is created by Subscribe.
func (ps *PubSub) Join(topic string) *Topic {
	return &Topic{ps: ps, name: topic}
}

// Subscription delivers every accepted message for a topic to its caller.
type Subscription struct {
	topic       string
	ch          chan *Message
	err         error
	ownerPubSub *PubSub
}

func (s *Subscription) Topic() string { return s.topic }

// Next blocks until a message arrives or ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	select {
	case m, ok := <-s.ch:
		if !ok {
			return nil, s.err
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel unsubscribes; if this was the last subscription for the topic, an
// unsubscribe RPC is announced to every known peer and the router is told
// we've left the topic.
func (s *Subscription) Cancel() {
	ps := s.ownerPubSub
	if ps == nil {
		return
	}
	ps.mu.Lock()
	subs := ps.mySubs[s.topic]
	delete(subs, s)
	last := len(subs) == 0
	if last {
		delete(ps.mySubs, s.topic)
	}
	ps.mu.Unlock()

	s.err = fmt.Errorf("pubsub: subscription to %q cancelled", s.topic)
	close(s.ch)

	if last {
		ps.announce(s.topic, false)
		ps.rt.leave(s.topic)
	}
}

// Subscribe registers interest in t's topic, announcing it to every known
// peer the first time this node subscribes to it.
func (t *Topic) Subscribe() *Subscription {
	ps := t.ps
	sub := &Subscription{topic: t.name, ch: make(chan *Message, 32), ownerPubSub: ps}

	ps.mu.Lock()
	subs, ok := ps.mySubs[t.name]
	first := !ok || len(subs) == 0
	if !ok {
		subs = make(map[*Subscription]struct{})
		ps.mySubs[t.name] = subs
	}
	subs[sub] = struct{}{}
	ps.mu.Unlock()

	if first {
		ps.announce(t.name, true)
		ps.rt.join(t.name)
	}
	return sub
}

// announce broadcasts a subscribe/unsubscribe notice to every currently
// known peer.
func (ps *PubSub) announce(topic string, subscribe bool) {
	rm := &rpc{Subscriptions: []subOpts{{Topic: topic, Subscribe: subscribe}}}
	ps.mu.Lock()
	peers := make([]*peerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		peers = append(peers, p)
	}
	ps.mu.Unlock()
	for _, p := range peers {
		p.enqueue(rm)
	}
}

// Publish implements spec.md §4.5's publish algorithm: build, optionally
// sign, optionally deliver to local subscribers, then hand off to the
// router to forward to subscribed peers. Returns only an error, not the
// count of peers written to, matching the teacher corpus's Publish
// signature rather than the counted-return form.
func (t *Topic) Publish(ctx context.Context, data []byte, triggerSelf bool) error {
	ps := t.ps
	m := &message{
		From:     []byte(ps.signID),
		Data:     data,
		Seqno:    ps.nextSeqno(),
		TopicIDs: []string{t.name},
	}
	if ps.signKey != nil {
		sig, key, err := ps.sign(m)
		if err != nil {
			return fmt.Errorf("pubsub: signing message: %w", err)
		}
		m.Signature = sig
		m.Key = key
	}

	msg := fromWire(m, ps.signID)

	id := ps.msgID(m)
	ps.msgCache.Add(id)

	if triggerSelf && ps.subscribedToAny(msg.TopicIDs) {
		ps.deliverLocal(msg)
	}
	ps.rt.publish(msg)
	return nil
}
