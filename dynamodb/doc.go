// Package dynamodb provides a DynamoDB-backed implementation of
// [github.com/slackmgr/pgstream/tail.CursorStore], so that several ingest
// hosts, or a host that loses its disk, resume tailing where they left off.
//
// # Overview
//
// Every cursor is one item keyed by the tailed file path (partition key,
// "pk") and the constant sort key [CursorSortKey] ("sk"). The cursor is
// stored as JSON in the "body" attribute.
//
// # Getting Started
//
// Create a [Client] with [New], supplying an AWS config, the DynamoDB table
// name, and any [Option] values you need:
//
//	cursors := dynamodb.New(&awsCfg, tableName, dynamodb.WithCursorTimeToLive(7*24*time.Hour))
//
//	if err := cursors.Connect(); err != nil {
//	    return err
//	}
//
//	if err := cursors.Init(ctx, false); err != nil {
//	    return err
//	}
//
//	pipeline, err := ingest.New(pool, "ingest", statement, ingest.WithCursorStore(cursors))
//
// By default, [Client.Connect] creates an AWS SDK v2 DynamoDB client from the
// supplied [aws.Config]. Supply [WithAPI] to inject a custom or mock
// implementation.
//
// # TTL Behaviour
//
// Each save sets the "ttl" attribute to the current time plus the cursor
// time-to-live (30 days by default, see [WithCursorTimeToLive]). Cursors of
// files that are no longer written expire through DynamoDB's built-in TTL
// feature.
//
// # Concurrency
//
// [Client] is safe for concurrent use by multiple goroutines.
package dynamodb
