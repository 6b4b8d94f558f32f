// Package cli provides the command-line interface for imgtrace.
//
// Commands:
//   - serve: Run the correlation engine against a browser event source
//   - collect: Native messaging host that writes records from a separate engine
//   - wait: Block until a session reports that its quota was reached
//   - samples: Parse and summarize collected record files
//   - validate: Check a configuration file
//   - version: Show imgtrace version
//
// Every command accepts --json for machine-readable output and
// --log-level/--log-format for diagnostics, which always go to stderr.
package cli
