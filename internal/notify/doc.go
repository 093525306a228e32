// Package notify turns new-slot events into push notifications.
//
// # Matching
//
// An event at (category, location) goes to every subscription whose category
// filter and location filter are empty or contain the value.
//
// # Delivery policy
//
// Sends are rate limited. Transient failures may be retried with jittered
// exponential backoff within one dispatch. The final outcome of each
// delivery is written back to the subscription store in its own transaction:
// success resets the failure counter and stamps last-notified, any failure
// increments it, and the subscription is removed once the counter reaches the
// threshold.
//
// # History
//
// For debugging, the dispatcher keeps a small in-memory history of recent
// deliveries.
package notify
