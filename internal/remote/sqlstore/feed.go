package sqlstore

import (
	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/remote"
)

// feedBuffer is the per-subscription backlog before changes are dropped.
const feedBuffer = 1024

// publish pushes a committed change to every subscriber.
func (db *DB) publish(c remote.Change) {
	if c.At.IsZero() {
		c.At = db.now().UTC()
	}
	db.bus.Publish(bus.Event{
		Kind:      remote.Topic(c.Table, c.Op),
		Timestamp: c.At,
		Payload:   c,
	})
}

// Subscribe delivers every committed change of table that passes filter to
// onChange, in commit order, on a dedicated goroutine.
func (c *Client) Subscribe(table remote.Table, filter remote.Filter, onChange func(remote.Change)) func() {
	return c.db.bus.Handle(remote.TablePrefix(table), feedBuffer, func(evt bus.Event) {
		ch, ok := evt.Payload.(remote.Change)
		if !ok || !filter.Match(ch) {
			return
		}
		onChange(ch)
	})
}
