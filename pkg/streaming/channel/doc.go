/*
Package channel provides a bounded FIFO queue with a configurable overflow policy.

BackpressureChannel sits between a producer and one or more consumers. Its capacity is fixed
at construction and the strategy decides what a send does when the buffer is full:

  - Block suspends the producer until a consumer frees a slot (backpressure).
  - DropNewest discards the incoming value.
  - DropOldest evicts the value at the head of the buffer to admit the incoming one.
  - Error returns ErrChannelFull.

Dropped values are reported to Config.OnDrop and counted in Stats.DroppedCount.

	ch := channel.NewWithConfig[Job](channel.Config{
		BufferSize: 64,
		Strategy:   channel.DropOldest,
		OnDrop: func(v interface{}) {
			log.Warn().Interface("job", v).Msg("evicted")
		},
	})
	defer ch.Close()

Every wait observes its context: a blocked Send or Receive returns ctx.Err() as soon as the
context is done. After Close, sends fail with ErrChannelClosed while receivers keep draining
the buffered values and then receive ErrChannelClosed.

All operations are safe for concurrent use.
*/
package channel
