/*
Package workerpool runs a fixed number of workers over a bounded job queue.

Jobs are submitted by writing them to a channel.BackpressureChannel, so the queue's overflow
policy (Block, DropNewest, DropOldest) decides what happens when producers outrun the workers.
Each job carries a sequence number that is returned with its Result, which lets callers restore
arrival order.

	queue := channel.NewWithConfig[workerpool.Job[string]](channel.Config{BufferSize: 16})
	pool, err := workerpool.New(workerpool.Config{WorkerCount: 4}, queue,
		func(ctx context.Context, job workerpool.Job[string]) (int, error) {
			return len(job.Value), nil
		})
	if err != nil {
		return err
	}
	pool.Start(ctx)

	go func() {
		for i, s := range inputs {
			queue.Send(ctx, workerpool.Job[string]{Seq: int64(i), Value: s})
		}
		queue.Close()
	}()

	for r := range pool.Results() {
		fmt.Println(r.Job.Seq, r.Value, r.Err)
	}

Handler failures never stop a worker: errors and recovered panics are reported in the job's
Result. Workers exit when the queue is closed and drained, or when the context given to Start is
done; Results is closed after the last worker exits.
*/
package workerpool
