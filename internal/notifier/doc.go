// Package notifier announces changed issues.
//
// Notify is fire-and-forget: it enqueues one job per issue and returns. A
// small supervised worker pool renders each issue and hands it to every
// configured Sink, under a shared rate limit and with jittered exponential
// retry per sink. A full queue drops the job with a warning; the poll cycle
// is never held up by delivery.
package notifier
