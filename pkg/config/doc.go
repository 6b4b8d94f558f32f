// Package config loads and validates the imgtrace configuration.
//
// Configuration is read from a YAML (.yaml, .yml) or JSON file, then
// overridden by IMGTRACE_* environment variables and finally by command
// line flags:
//
//	targetHost: fbcdn.net
//	responseQuota: 30
//	minImageSize: 1000
//	filterExpr: 'path endsWith ".jpg"'
//	pendingTTL: 2m
//	source: websocket
//	listenAddr: 127.0.0.1:8765
//	output: session
//	recordsDir: ./records
//	log:
//	  level: info
//	  format: text
//
// Durations are Go duration strings ("90s", "2m") or integer milliseconds.
package config
