/*
Package flowpipe implements a backpressure-aware HTTP message pipeline.

Request and response bodies are modelled as streams of pooled byte chunks. A
consumer grants demand to a producer through a Subscription, and a producer
never emits more than it has been granted. Demand flows from the response
socket back to the handler, through the handler to the body codecs, and from
the codecs to the request socket, so a slow peer on either side throttles the
whole exchange instead of growing buffers.

Bodies are decoded and encoded incrementally by Codecs registered in a Registry
by content type and value type. NDJSON, streaming JSON arrays, Server-Sent
Events and raw bytes are provided.

A Pipeline binds a Handler to a runtime through a Transport. An epoll event loop
server is provided on Linux, and adapters exist for net/http, fasthttp and
WebSocket connections. Each request/response pair is an Exchange with a single
terminal outcome and a cancellation token that reaches every stream stage.

Handlers never block the I/O goroutines. Work that must block is wrapped with
Blocking and runs on the Pipeline's WorkerPool, reading its input through Pull.
*/
package flowpipe
