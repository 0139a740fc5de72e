// Package httputil has helpers shared by everything that talks to an
// external feed or API.
package httputil

import (
	"io"
	"net/http"

	"github.com/quay/honeycore"
)

// CheckResponse reports an error unless the response carries one of
// the acceptable status codes. Rate-limit and server-side statuses are
// marked [honeycore.ErrTransient] so callers can decide to retry; other
// rejections are [honeycore.ErrPermanent]. The error includes the start
// of the response body when one is readable.
func CheckResponse(resp *http.Response, acceptableCodes ...int) error {
	for _, code := range acceptableCodes {
		if resp.StatusCode == code {
			return nil
		}
	}
	kind := honeycore.ErrPermanent
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = honeycore.ErrTransient
	case resp.StatusCode >= 500:
		kind = honeycore.ErrTransient
	}
	msg := "unexpected status: " + resp.Status
	if snippet, err := io.ReadAll(io.LimitReader(resp.Body, 256)); err == nil && len(snippet) != 0 {
		msg += " (body starts: " + string(snippet) + ")"
	}
	return &honeycore.Error{
		Kind:    kind,
		Message: msg,
	}
}
