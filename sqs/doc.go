// Package sqs forwards PostgreSQL notifications to an AWS SQS FIFO queue.
//
// [Client] implements notify.Handler, so it can be plugged straight into a
// notification consumer:
//
//	client, err := sqs.New(&awsCfg, "notifications.fifo", logger).Init(ctx)
//	if err != nil {
//	    return err
//	}
//
//	err = notify.Listen(ctx, session, "table_changed", client, logger)
//
// Each notification is sent as a JSON document. The message group ID is the
// notification channel, which keeps notifications from one channel in the
// order they were received. The deduplication ID is a SHA-256 hash of the
// backend PID, channel, payload and receive time, so a notification that is
// handled twice within the SQS deduplication window is enqueued once.
//
// # Configuration
//
// [Client] accepts functional options that are passed to [New] and take
// effect when [Client.Init] is called. See the With* functions for available
// settings and their defaults.
package sqs
