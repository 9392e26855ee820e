// Package client is a small Go client for pushing tag values to tagstream
// over HTTP.
//
//	c, err := client.New(client.Config{Device: "plc-1", Endpoint: "http://localhost:8080"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	c.Start(ctx)
//	defer c.Stop(context.Background())
//
//	c.Record("Temperature", 21.5)
//
// Recorded values are batched and sent every FlushEvery, or as soon as
// MaxBatchSize values are queued. Each distinct sample time becomes one
// envelope posted to /v1/ingest on topic <device>/pub_data.
package client
