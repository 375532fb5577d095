package materializer

import (
	"context"
	"log/slog"

	"github.com/jkaninda/tunnelsecrets/internal/secrets"
)

// ResolveSelector picks the selector for a run. A non-empty explicit
// argument is used verbatim. Otherwise the store client is asked for its
// default; when that fails or src is nil, fallback is used. It never fails.
func ResolveSelector(ctx context.Context, explicit string, src secrets.SelectorSource, fallback secrets.Selector, logger *slog.Logger) (secrets.Selector, string) {
	if explicit != "" {
		return secrets.Selector(explicit), SelectorFromArgument
	}
	if src != nil {
		sel, err := src.DefaultSelector(ctx)
		if err == nil && !sel.IsCurrent() {
			return sel, SelectorFromStore
		}
		if logger != nil {
			attrs := []any{slog.String("fallback", fallback.String())}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			logger.Warn("secret store reported no default selector", attrs...)
		}
	}
	return fallback, SelectorFromFallback
}
