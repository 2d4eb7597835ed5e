package exchange

import (
	"context"
	"errors"
	"net"

	"github.com/adshao/go-binance/v2/common"
)

// Error classification for the retry layer. Transient errors (network,
// timeout, rate limit, server hiccups) are retried with backoff; fatal
// errors (auth, invalid symbol) disable the exchange without retrying;
// other API rejections fail fast because repeating the request cannot
// change the outcome.

// Binance API error codes the classifier keys on
const (
	codeUnknown        = -1000
	codeDisconnected   = -1001
	codeRateLimit      = -1003
	codeUnexpectedResp = -1006
	codeTimeout        = -1007
	codeInvalidSymbol  = -1121
	codeUnauthorized   = -2014
	codeInvalidAPIKey  = -2015
)

// IsRateLimit reports whether the error is a rate-limit rejection
func IsRateLimit(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeRateLimit
	}
	return false
}

// IsFatal reports whether the error should disable the exchange
// without retrying (auth failure, unknown symbol)
func IsFatal(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInvalidSymbol, codeUnauthorized, codeInvalidAPIKey:
			return true
		}
	}
	return false
}

// IsTransient reports whether the error is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if IsRateLimit(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeUnknown, codeDisconnected, codeUnexpectedResp, codeTimeout:
			return true
		}
		// Business rejections (insufficient margin, filter breaches)
		// fail the same way on every attempt.
		return false
	}
	return true
}
