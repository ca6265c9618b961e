// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"sort"
	"sync"

	"github.com/mobiletoly/go-finsync/finsync"
)

// topic names a change stream: one per entity type plus the queue and the metadata singleton
type topic string

const (
	topicQueue topic = "_queue"
	topicMeta  topic = "_meta"
)

func entityTopics(types []finsync.EntityType, extra ...topic) []topic {
	out := make([]topic, 0, len(types)+len(extra))
	for _, t := range types {
		out = append(out, topic(t))
	}
	return append(out, extra...)
}

func allTopics() []topic {
	return entityTopics(finsync.AllEntityTypes, topicQueue, topicMeta)
}

type subscription struct {
	topics map[topic]bool
	fn     func(changed []topic)
}

// notifier fans committed changes out to subscribers. Listeners are called synchronously on
// the publishing goroutine, outside of any store lock, so they may read or write the store.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]*subscription)}
}

func (n *notifier) subscribe(fn func(changed []topic), topics ...topic) func() {
	sub := &subscription{topics: make(map[topic]bool, len(topics)), fn: fn}
	for _, t := range topics {
		sub.topics[t] = true
	}

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = sub
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) publish(topics ...topic) {
	if len(topics) == 0 {
		return
	}

	n.mu.Lock()
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, n.subs[id])
	}
	n.mu.Unlock()

	for _, sub := range subs {
		var matched []topic
		for _, t := range topics {
			if sub.topics[t] {
				matched = append(matched, t)
			}
		}
		if len(matched) > 0 {
			sub.fn(matched)
		}
	}
}

// Subscribe registers fn for committed changes to the given entity types (all types when
// none are given). fn runs before the write call that caused it returns.
func (c *Client) Subscribe(fn func(changed []finsync.EntityType), types ...finsync.EntityType) (cancel func()) {
	if len(types) == 0 {
		types = finsync.AllEntityTypes
	}
	return c.notifier.subscribe(func(changed []topic) {
		out := make([]finsync.EntityType, 0, len(changed))
		for _, t := range changed {
			out = append(out, finsync.EntityType(t))
		}
		fn(out)
	}, entityTopics(types)...)
}
