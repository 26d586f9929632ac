/*
Package scheduler runs pipeline graphs on cron schedules.

Each schedule pairs a cron spec with a GraphFactory. The factory is called
for every run, so breakers, buffers and stage closures never carry over
from one run to the next.

	s, err := scheduler.New(runner, scheduler.Config{Location: time.UTC})
	if err != nil {
		return err
	}
	if err := s.Schedule("nightly-import", "0 2 * * *", buildImportGraph); err != nil {
		return err
	}
	s.Start()
	defer s.Stop(context.Background())

Specs use the five standard fields, or six with Config.Seconds, and accept
descriptors such as @hourly and @every 10m.

An activation that arrives while the previous run of the same schedule is
still active is skipped and counted in metrics.Registry.SkippedRuns. RunNow
triggers a schedule by hand under the same rule.

Stop cancels the context of active scheduled runs and waits for them to
return.
*/
package scheduler
