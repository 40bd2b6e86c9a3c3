// Package webchat exposes a stream.Service over HTTP and websockets.
//
// Routes:
//   - POST /api/streams starts a stream and answers 202 with its id.
//   - GET /api/streams, GET /api/streams/{id} and DELETE /api/streams/{id} read and abort streams.
//   - GET /ws/streams/{id} follows one stream; the socket closes after the terminal frame.
//   - GET /ws/events carries every global stream event.
//
// A websocket disconnect only detaches the client. The stream keeps running
// and its result is persisted either way.
package webchat
