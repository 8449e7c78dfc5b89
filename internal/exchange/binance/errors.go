package binance

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/adshao/go-binance/v2/common"

	"grid-martingale/internal/core"
)

// Venue API error codes that matter to the engine.
const (
	codeInternalError      = -1001
	codeRateLimit          = -1003
	codeTimestampOutside   = -1021
	codeUnknownOrder       = -2011
	codeNoSuchOrder        = -2013
	codeMarginInsufficient = -2019
	codeReduceOnlyReject   = -2022
	codeReduceOnlyDenied   = -4118
	codeNoNeedChangeMargin = -4046
)

// classify maps a raw go-binance error onto the closed taxonomy. The raw
// error stays wrapped for logging.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeMarginInsufficient:
			return fmt.Errorf("%w: %w", core.ErrMarginInsufficient, err)
		case codeReduceOnlyReject, codeReduceOnlyDenied:
			return fmt.Errorf("%w: %w", core.ErrReduceOnlyRejected, err)
		case codeRateLimit:
			return fmt.Errorf("%w: %w", core.ErrRateLimited, err)
		case codeUnknownOrder, codeNoSuchOrder:
			return fmt.Errorf("%w: %w", core.ErrOrderNotFound, err)
		case codeInternalError, codeTimestampOutside:
			return fmt.Errorf("%w: %w", core.ErrTransient, err)
		}
		if apiErr.Code >= 500 || (apiErr.Code <= -9000 && apiErr.Code > -10000) {
			return fmt.Errorf("%w: %w", core.ErrTransient, err)
		}
		return fmt.Errorf("%w: %w", core.ErrFatal, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", core.ErrTransient, err)
	}
	// Anything unrecognized that is not an API rejection is assumed to be a
	// connectivity problem and retried.
	return fmt.Errorf("%w: %w", core.ErrTransient, err)
}

// retryable reports whether the classified error may be retried in place.
func retryable(err error) bool {
	return errors.Is(err, core.ErrTransient) || errors.Is(err, core.ErrRateLimited)
}

// IsAPIErrorCode reports whether err carries the given venue error code.
func IsAPIErrorCode(err error, code int64) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
