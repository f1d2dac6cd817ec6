// Package msgqueue delivers asynchronous plugin messages through one bounded
// queue per (queue name, plugin).
//
// A Queue owns a buffered channel and an ants worker pool. A single feeder
// goroutine hands buffered messages to the pool in arrival order, so:
//   - with Workers = 1 delivery is strictly FIFO per plugin
//   - with Workers > 1 messages start in arrival order but may complete out of order
//
// Enqueue never blocks. A full buffer drops the message with a warning.
//
// Stop drains: new messages are refused, buffered ones keep being delivered
// until the drain timeout. After the timeout the worker context is cancelled,
// remaining buffered messages are discarded and in-flight calls are abandoned.
//
// A Registry creates queues when plugins load and stops them when they unload.
package msgqueue
