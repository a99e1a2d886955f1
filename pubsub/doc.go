// Package pubsub forwards PostgreSQL notifications to a Google Cloud Pub/Sub
// topic.
//
// [Client] implements notify.Handler. Message ordering is always enabled and
// the ordering key is the notification channel, so subscribers that enable
// ordering see each channel's notifications in the order they were received:
//
//	client, err := pubsub.New(gcpClient, "db-events", logger)
//	if err != nil {
//	    return err
//	}
//
//	if _, err := client.Init(); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	consumer := notify.NewConsumer(queue, client, logger)
package pubsub
