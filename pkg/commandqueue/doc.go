// Package commandqueue routes parsed AMCP commands to per-target queues.
//
// Invariants:
// - Commands for the same target execute one at a time in arrival order,
//   except that an ImmediatelyAndClear command discards the ones still waiting.
// - Commands for different targets may execute concurrently.
// - Every command handed to a queue receives exactly one reply.
// - Queue activity is observable through events, metrics and spans.
//
// Usage:
//
//	table := commandqueue.NewTable(2, commandqueue.Options{Capacity: 256})
//	defer table.Stop(true)
//	if err := table.Route(ctx, cmd); err != nil {
//		// unknown queue id
//	}
package commandqueue
