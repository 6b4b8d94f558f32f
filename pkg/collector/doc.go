// Package collector persists correlated records to session directories.
//
// A session is a directory <recordsDir>/<name>-<timestamp> holding the
// records file, a meta.json summary, and, once the quota has been reached,
// the ready marker file. A "latest" link in recordsDir points at the most
// recently closed session.
//
// Writer plugs a session into the correlation engine as its sink. Host
// consumes the string messages written by a separate engine process over
// native messaging and appends them to a session.
package collector
