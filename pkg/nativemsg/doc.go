// Package nativemsg implements the browser native messaging framing: each
// message is a 32-bit length in native byte order followed by that many
// bytes of UTF-8 JSON.
//
// The package provides a framed Reader and Writer, a correlate.Sink that
// forwards records as JSON strings, and a Source that feeds decoded events
// into a channel.
package nativemsg
