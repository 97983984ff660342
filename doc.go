// Package callkit implements a peer-to-peer voice-call session engine.
//
// The engine negotiates a direct media connection between two peers over
// an out-of-band signaling channel, manages ring/timeout/reconnect
// semantics, and continuously re-scores link quality to adapt audio
// parameters. Storage of call records, push dispatch and profile lookup
// are narrow collaborator interfaces supplied by the embedding
// application.
//
// # Architecture
//
// The module consists of focused subpackages wired together by the root
// Client:
//
//   - signaling: deterministic channel naming and the pub/sub transports
//     (in-process hub, websocket relay) that carry offer/answer/candidate
//     envelopes
//   - media: one pion peer connection per call, with opportunistic
//     candidate buffering and offer re-sending
//   - quality: windowed link-quality smoothing with hysteresis and the
//     recommended audio profile per level
//   - call: the session state machine, its collaborator ports and the
//     incoming-call listener
//   - metrics: a Collector interface with Prometheus and no-op
//     implementations
//
// # Usage
//
// Create a client with a signaling transport and collaborator ports:
//
//	transport, _ := signaling.NewWebsocketTransport("wss://relay.example.com/signal", nil)
//	opts := callkit.NewOptions("user-123", transport)
//	opts.Records = myRecords
//	opts.Pusher = myPusher
//	opts.Stream = myStream
//
//	client, err := callkit.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Start(ctx) // begin listening for incoming calls
//
//	client.StartCall(ctx, call.Participant{ID: "user-456", Username: "alex"})
//
// Subscribe to session changes to drive a UI:
//
//	unsubscribe := client.Subscribe(func(snap call.Snapshot) {
//	    render(snap)
//	})
//	defer unsubscribe()
package callkit
