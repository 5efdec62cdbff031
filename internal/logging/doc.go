// Package logging configures structured JSON logging for motiondex.
//
// All components log through log/slog with a JSON handler. Output goes to
// a size-rotated file under the storage root, optionally multiplexed with
// stderr. Child loggers are derived per component via logger.With.
package logging
