package safe

import (
	"marketsync/logger"
	"marketsync/tools/errs"

	"go.uber.org/zap"
)

// Go starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func Go(name string, f func()) {
	go func() {
		_ = Call(name, f)
	}()
}

// Call runs f and converts a panic into an error. The panic is logged with
// the given name so the offending handler can be found.
func Call(name string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			logger.Error("panic recovered", zap.String("where", name), zap.Any("panic", r))
		}
	}()
	f()
	return nil
}
