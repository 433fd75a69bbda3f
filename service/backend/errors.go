package backend

import (
	"net/http"

	"marketsync/tools/errs"

	"github.com/go-resty/resty/v2"
)

// classify maps a transport error or HTTP status onto the sync error codes.
//
//	transport failure, 5xx  -> NetworkError
//	400, 422                -> ValidationError
//	401, 403                -> AuthError
//	404                     -> NotFoundError
//	409                     -> ConflictError
func classify(resp *resty.Response, err error, op string) error {
	if err != nil {
		return errs.ErrNetwork.WrapMsg(op, "err", err)
	}
	if resp == nil || !resp.IsError() {
		return nil
	}

	status := resp.StatusCode()
	kv := []any{"status", status, "reason", serverMessage(resp)}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errs.ErrValidation.WrapMsg(op, kv...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.ErrAuth.WrapMsg(op, kv...)
	case status == http.StatusNotFound:
		return errs.ErrNotFound.WrapMsg(op, kv...)
	case status == http.StatusConflict:
		return errs.ErrConflict.WrapMsg(op, kv...)
	case status >= http.StatusInternalServerError:
		return errs.ErrNetwork.WrapMsg(op, kv...)
	default:
		return errs.ErrInternal.WrapMsg(op, kv...)
	}
}
