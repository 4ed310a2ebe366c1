// Package scheduler triggers named jobs from cron expressions or fixed
// intervals. Each trigger runs under a supervisor with a per-run timeout; a
// trigger that fires while the previous run of the same job is still in
// flight is skipped.
package scheduler
