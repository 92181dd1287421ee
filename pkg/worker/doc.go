// Package worker provides the external task worker used to execute
// service tasks outside the process engine.
//
// A Worker repeatedly fetches and locks a batch of external tasks for one
// topic, runs a Handler for every task of the batch concurrently and reports
// each outcome back to the engine. While a batch is running the worker
// extends the lease of every task it still holds, so a slow handler does not
// lose its claim.
//
// # Failure handling
//
//   - A failing fetch is logged and retried after a fixed interval.
//   - A handler that returns an error or panics is reported as a service
//     error for that task only. Sibling tasks and the loop are unaffected.
//   - A task whose lease could not be extended keeps running; if another
//     worker claimed it in the meantime the final report fails with Locked.
//
// Delivery is at least once. Handlers should be idempotent.
//
// # Usage
//
//	w := worker.New(client, worker.DefaultConfig(), logger)
//	err := w.Run(ctx, identity, "payments", func(ctx context.Context, task *api.ExternalTask) (worker.Result, error) {
//		return worker.FinishResult{Payload: json.RawMessage(`{"paid":true}`)}, nil
//	})
//
// Run returns when ctx is done. The batch in flight at that moment is
// reported before Run returns.
package worker
