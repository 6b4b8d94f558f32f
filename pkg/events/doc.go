// Package events decodes the JSON event messages produced by the browser
// extension into correlate events.
//
// Each message is an object with a "type" discriminator and the fields of
// the corresponding webRequest listener details:
//
//	{"type":"requestStarted","method":"GET","url":"...","requestId":"12","timeStamp":1565.5}
//	{"type":"responseStarted","requestId":"12","responseHeaders":[{"name":"Content-Length","value":"5000"}],"timeStamp":1570.1}
//	{"type":"responseCompleted","requestId":"12"}
//
// Messages are validated against an embedded JSON Schema before decoding.
package events
