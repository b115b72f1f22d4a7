package bybit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"venue-gateway/pkg/exchanges/common"
)

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		op   string
		code int
		want common.ErrorClass
	}{
		{OpCreate, CodeServerTimeout, common.ClassRetryable},
		{OpCreate, CodeTooManyVisits, common.ClassRetryable},
		{OpCreate, CodeIPRateLimited, common.ClassRetryable},
		{OpCreate, CodeSystemBusy, common.ClassRetryable},
		{OpCreate, CodeServiceBusy, common.ClassRetryable},
		{OpCreate, CodeParamError, common.ClassFatal},
		{OpCreate, CodeSignError, common.ClassFatal},
		{OpCreate, CodeAuthFailed, common.ClassFatal},
		{OpCreate, CodePermissionDenied, common.ClassFatal},
		{OpCreate, CodeOrderNotExists, common.ClassFatal},
		{OpCancel, CodeOrderNotExists, common.ClassIdempotentSuccess},
		{OpAmend, CodeOrderNotExists, common.ClassIdempotentSuccess},
		{OpCancelAll, 170130, common.ClassFatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyCode(tt.op, tt.code), "%s %d", tt.op, tt.code)
	}
}
