// ABOUTME: Package doc for the lefi Discord client library
// ABOUTME: Entry point overview: Client, events, and cache access

// Package lefi is a sharded Discord gateway client. It maintains one
// websocket session per shard with identify/resume handshakes, heartbeat
// keepalive, and supervised reconnection, keeps an in-memory cache of
// dispatched entities, and rate-limits REST calls per bucket.
//
// A bot wires together from a YAML config:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := lefi.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	events, _ := client.Subscribe("MESSAGE_CREATE")
//	for ev := range events {
//	    // ev.Entity is the cache-applied message
//	}
package lefi
