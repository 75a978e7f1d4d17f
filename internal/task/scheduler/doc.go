// Package scheduler triggers jobs on cron or interval schedules.
//
// Every schedule skips a firing while its previous run is still in flight,
// so a slow check never stacks up behind itself. Runs are bounded by a
// per-schedule timeout and reported on the event bus.
package scheduler
