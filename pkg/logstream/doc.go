// Package logstream provides an HTTP client for the logstream buffer
// service.
//
// The service assigns every admitted record a contiguous sequence number.
// Consumers register once, then either pull batches and acknowledge the
// highest sequence they have processed, or follow a live tail stream.
// Acknowledged sequences advance the consumer's offset; the lowest offset
// across active consumers is the retention watermark below which the
// server may reclaim segments.
//
// # Installation
//
//	go get github.com/mareekkk/logstream/pkg/logstream
//
// # Basic Usage
//
//	client, _ := logstream.New(logstream.Config{BaseURL: "http://localhost:8210"})
//	ctx := context.Background()
//
//	// Ship a record
//	seq, _ := client.Submit(ctx, []byte("payment accepted"), "billing")
//	fmt.Println("stored as", seq)
//
//	// Pull records through a registered consumer
//	client.Register(ctx, "indexer", "pull", 0)
//	batch, _ := client.Fetch(ctx, "indexer", 100, 0)
//	for _, rec := range batch.Records {
//		fmt.Println(rec.Sequence, rec.Payload)
//	}
//	if len(batch.Records) > 0 {
//		client.Ack(ctx, "indexer", batch.Records[len(batch.Records)-1].Sequence)
//	}
//
//	// Live tail
//	tail, _ := client.Tail(ctx, logstream.TailOptions{Source: "billing"})
//	defer tail.Close()
//	for {
//		rec, err := tail.Next()
//		if err != nil {
//			break
//		}
//		fmt.Println(rec.Payload)
//	}
//
// # Errors
//
// Server rejections map onto sentinel errors so callers can branch with
// [errors.Is]: [ErrBackpressure] and [ErrUnavailable] are retryable,
// [ErrPayloadTooLarge], [ErrNotFound], [ErrConflict] and [ErrUnauthorized]
// are not.
//
// # Endpoints
//
//	POST   /v1/records                  — submit a record
//	POST   /v1/consumers                — register a consumer
//	GET    /v1/consumers                — list consumers
//	DELETE /v1/consumers/{id}           — unregister
//	GET    /v1/consumers/{id}/records   — pull a batch
//	POST   /v1/consumers/{id}/ack       — acknowledge a sequence
//	GET    /v1/tail                     — live SSE stream
//	GET    /v1/status                   — buffer and consumer status
//	GET    /v1/segments                 — sealed segment listing
//	GET    /health                      — readiness document
package logstream
