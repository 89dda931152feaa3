// Package notifier tells operators how runs ended.
//
// A Watcher turns run.finished events into Messages according to the
// notify_on policy: failures always qualify, the first success after a failure
// is a recovery, and "always" reports every success too.
//
// The Service delivers Messages asynchronously through a queue and worker,
// with a token-bucket rate limit, retries with jittered backoff and a dedup
// window. Every Sink (Telegram, webhook, PagerDuty) receives each message
// concurrently; a retry only re-sends to the sinks that failed.
package notifier
