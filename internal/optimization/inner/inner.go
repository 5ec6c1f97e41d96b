package inner

import (
	"strings"

	"go.uber.org/zap"

	"github.com/copyleftdev/fcretry/internal/optimization"
)

// New returns the inner optimizer registered under name.
func New(name string, logger *zap.Logger) (optimization.Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "cmaes", "cma-es":
		return NewCMAES(logger), nil
	case "neldermead", "nelder-mead", "nm":
		return NewNelderMead(logger), nil
	default:
		return nil, optimization.NewConfigError("inner.New", "unknown optimizer %q", name)
	}
}
