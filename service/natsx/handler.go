package natsx

import (
	"context"

	"marketsync/logger"
	"marketsync/tools/safe"

	"go.uber.org/zap"
)

// NatsxMessage is what a subscriber sees: subject, payload and flattened
// headers (first value per key).
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain wraps h so that mws[0] runs first.
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NatsxRecover turns a handler panic into an error so one bad message does not
// kill the nats dispatch goroutine.
func NatsxRecover() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			if perr := safe.Call("natsx:"+msg.Subject, func() { err = next(ctx, msg) }); perr != nil {
				return perr
			}
			return err
		}
	}
}

// NatsxLogErrors logs handler errors; nats core subscriptions have no way to
// report them otherwise.
func NatsxLogErrors() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			err := next(ctx, msg)
			if err != nil {
				logger.Debug("[NATSX] handler error", zap.String("subject", msg.Subject), zap.Error(err))
			}
			return err
		}
	}
}
