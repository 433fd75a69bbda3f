package natsx

import (
	"context"
	"errors"
	"testing"

	"marketsync/tools/errs"

	"github.com/stretchr/testify/assert"
)

func TestChainOrder(t *testing.T) {
	var trace []string
	mw := func(name string) NatsxMiddleware {
		return func(next NatsxHandler) NatsxHandler {
			return func(ctx context.Context, msg NatsxMessage) error {
				trace = append(trace, name)
				return next(ctx, msg)
			}
		}
	}
	h := NatsxChain(func(context.Context, NatsxMessage) error {
		trace = append(trace, "handler")
		return nil
	}, mw("a"), mw("b"))

	assert.NoError(t, h(context.Background(), NatsxMessage{}))
	assert.Equal(t, []string{"a", "b", "handler"}, trace)
}

func TestRecoverTurnsPanicIntoError(t *testing.T) {
	h := NatsxChain(func(context.Context, NatsxMessage) error {
		panic("bad payload")
	}, NatsxRecover(), NatsxLogErrors())

	err := h(context.Background(), NatsxMessage{Subject: "push.user.u1"})
	assert.Equal(t, errs.ServerInternalError, errs.Code(err))
}

func TestRecoverKeepsHandlerError(t *testing.T) {
	want := errors.New("decode")
	h := NatsxChain(func(context.Context, NatsxMessage) error { return want }, NatsxRecover())
	assert.ErrorIs(t, h(context.Background(), NatsxMessage{}), want)
}
