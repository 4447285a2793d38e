// Package logging provides the daemon's structured logger.
//
// Logger wraps zap with context-aware methods that attach the request id,
// reviewer, operation and active trace span carried by the context. Output
// goes to stdout as JSON or console text and, when a provider is supplied,
// to OpenTelemetry logs through the otelzap bridge. Sensitive field names
// and token-shaped values are redacted before any output sees them.
//
//	logger, err := logging.NewLogger(cfg, provider.LoggerProvider())
//	ctx = logging.WithOperation(ctx, "reflect")
//	logger.Info(ctx, "reflection finished", zap.Int("proposals", n))
package logging
