/*
Package events provides the in-memory event broker for SoliDB's cluster
pub/sub messaging.

The broker broadcasts catalog, replication, and shard-coordination
events (collection created, node joined, shard healed, ...) to any
number of subscribers without coupling the publishers to them. Publish
hands each event to a 100-event buffered channel and blocks only while
that buffer is full, until the broker drains it or is stopped; a
subscriber whose own buffer is full simply misses the event.

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventShardHealed,
		Message: "app/users",
	})

Delivery is best-effort by design: the authoritative record of every
mutation is the replication log, not the event stream. Components that
need lossless change data subscribe to a collection's change broadcast
instead.
*/
package events
