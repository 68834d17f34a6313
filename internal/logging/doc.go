// Package logging is the hub's structured logger: zap with a trace level,
// stdout and OpenTelemetry outputs, encoder-level redaction and sampling
// that never drops errors.
//
// Correlation ids travel in the context:
//
//	ctx = logging.WithSessionID(ctx, sessionID)
//	ctx = logging.WithCommandID(ctx, cmd.ID)
//	logger.Info(ctx, "command accepted", zap.String("command.kind", string(cmd.Kind)))
//
// Packages that only need a *zap.Logger receive Logger.Underlying.
package logging
