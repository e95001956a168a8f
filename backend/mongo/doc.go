// Package mongo implements backend.Backend on MongoDB using the official
// v2 driver. Claims use FindOneAndUpdate sorted by rank so a document is
// handed to exactly one worker, and dead-letter order comes from a counter
// document incremented atomically.
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	b := jqmongo.New(client.Database("jobqueue"))
//	_ = b.Migrate(ctx)
package mongo
