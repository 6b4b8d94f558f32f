// Package logging configures structured logging for imgtrace.
//
// It wraps log/slog so every component logs the same way. Components accept
// a *slog.Logger through their options; when none is given they use Nop().
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelDebug,
//	    Format: logging.FormatJSON,
//	})
//	logger.Info("engine saturated", "emitted", 20)
//
// Logs default to stderr. stdout is reserved for the native messaging pipe
// when imgtrace runs as a browser host.
package logging
