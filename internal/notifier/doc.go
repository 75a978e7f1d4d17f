// Package notifier delivers result notifications to the subscriber.
//
// A notification is one rendered email: either one message per result (the
// default) or a single digest covering a batch. Service owns the delivery
// policy (rate limit, bounded retry with backoff, per-send timeout) and
// reports an outcome per result so callers can commit only what was
// actually delivered.
//
// # Transport
//
// Delivery is delegated to a Transport. The smtp transport submits through
// go-mail; the log transport only writes the rendered message to the logger
// and is meant for dry runs.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recent sends, exposed on /state.
package notifier
