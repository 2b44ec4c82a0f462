// Package loop provides the per-test execution loop: a cancellable context,
// a tracker for every task scheduled on it, and a pluggable scheduler.
//
// A Manager opens at most one loop at a time. Opening blocks until the
// previous loop is fully closed, so background work from one test can never
// run during the next test's setup.
//
//	m := loop.NewManager(cfg.Loop)
//	l, err := m.Open(ctx, loop.PolicyDefault)
//	if err != nil {
//		return err
//	}
//	defer m.Close(ctx, l)
//
//	_ = l.Go("ticker", func(ctx context.Context) error {
//		<-ctx.Done()
//		return nil
//	})
package loop
