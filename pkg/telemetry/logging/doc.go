// Package logging builds the process logger.
//
// New returns a *slog.Logger writing JSON or text. Its handler adds
// eviction context carried by the context.Context of each call, so code
// that logs with InfoContext and friends gets run_id, mode and job_id
// attached without threading them through every logger:
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	if err != nil {
//		return err
//	}
//	slog.SetDefault(logger)
//
//	ctx = logging.WithRunID(ctx, runID)
//	slog.InfoContext(ctx, "eviction started") // includes run_id
package logging
