// Package scheduler turns cron expressions into trigger callbacks.
//
// It never executes work itself: a fire callback hands the trigger to the
// dispatcher, which owns queueing, overlap handling and execution. Missed
// ticks (process down at fire time) are not replayed.
package scheduler
