package bybit

import (
	"errors"

	"venue-gateway/pkg/exchanges/common"
)

// Operation names shared by the trade stream and REST error reporting.
const (
	OpCreate    = "order.create"
	OpAmend     = "order.amend"
	OpCancel    = "order.cancel"
	OpCancelAll = "order.cancel-all"
)

// V5 retCodes the gateway reacts to.
const (
	CodeOK               = 0
	CodeServerTimeout    = 10000
	CodeParamError       = 10001
	CodeTimestampExpired = 10002
	CodeInvalidAPIKey    = 10003
	CodeSignError        = 10004
	CodePermissionDenied = 10005
	CodeTooManyVisits    = 10006
	CodeAuthFailed       = 10007
	CodeUnmatchedIP      = 10010
	CodeServerError      = 10016
	CodeIPRateLimited    = 10018
	CodeRateLimited      = 10429
	CodeSystemBusy       = 30034
	CodeServiceBusy      = 30035
	CodeOrderNotExists   = 110001
	CodeDuplicateLinkID  = 110072
)

var retryableCodes = map[int]bool{
	CodeServerTimeout: true,
	CodeTooManyVisits: true,
	CodeServerError:   true,
	CodeIPRateLimited: true,
	CodeRateLimited:   true,
	CodeSystemBusy:    true,
	CodeServiceBusy:   true,
}

// ClassifyCode maps a retCode for the given operation. Unknown non-zero codes
// are business rejections and therefore fatal.
func ClassifyCode(op string, code int) common.ErrorClass {
	if retryableCodes[code] {
		return common.ClassRetryable
	}
	if code == CodeOrderNotExists && (op == OpCancel || op == OpAmend) {
		return common.ClassIdempotentSuccess
	}
	return common.ClassFatal
}

// Classify is the common.Classifier for every Bybit call.
func Classify(err error) common.ErrorClass {
	if err == nil {
		return common.ClassFatal
	}
	var ve *common.VenueError
	if errors.As(err, &ve) {
		return ClassifyCode(ve.Op, ve.Code)
	}
	class, _ := common.ClassifyTransport(err)
	return class
}

// IsOrderNotExists reports the venue's "order does not exist" rejection.
func IsOrderNotExists(err error) bool {
	var ve *common.VenueError
	return errors.As(err, &ve) && ve.Code == CodeOrderNotExists
}

// IsDuplicateLinkID reports that an orderLinkId was already used, i.e. an
// earlier attempt of the same placement reached the venue.
func IsDuplicateLinkID(err error) bool {
	var ve *common.VenueError
	return errors.As(err, &ve) && ve.Code == CodeDuplicateLinkID
}
