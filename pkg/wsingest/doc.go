// Package wsingest accepts browser events over WebSocket.
//
// A Server is an http.Handler serving a single path (default "/events").
// Each text frame carries one event message or a JSON array of messages in
// the format decoded by package events. Decoded events are published on the
// output channel given to New; the server never closes that channel.
//
// Example:
//
//	out := make(chan correlate.Event, correlate.EventBuffer)
//	srv, _ := wsingest.New(wsingest.Options{Output: out})
//	http.ListenAndServe(":8765", srv)
package wsingest
