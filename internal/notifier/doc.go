// Package notifier delivers daily announcements to tenant chats.
//
// Delivery is synchronous from the caller's point of view but paced by a
// shared rate limiter, retried with jittered exponential backoff, and
// suppressed when the same announcement key was already delivered within the
// dedup window. Platform flood errors are honored by waiting the requested
// delay before the next attempt.
//
// Delivery is best effort: the final error is returned and logged, never
// queued for later.
package notifier
