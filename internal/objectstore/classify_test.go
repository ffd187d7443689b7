package objectstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestIsRetryableTransientCodes(t *testing.T) {
	for _, code := range []string{"SlowDown", "Throttling", "InternalError", "ServiceUnavailable", "RequestTimeout", "NoSuchUpload", "InvalidUpload"} {
		assert.True(t, IsRetryable(apiError(code)), code)
	}
}

func TestIsRetryablePermanentCodes(t *testing.T) {
	for _, code := range []string{"InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "NoSuchBucket", "InvalidBucketName"} {
		assert.False(t, IsRetryable(apiError(code)), code)
	}
}

func TestIsRetryableContextErrors(t *testing.T) {
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("upload: %w", context.DeadlineExceeded)))
}

func TestIsRetryableMessageSniffing(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryable(errors.New("read: connection reset by peer")))
	assert.True(t, IsRetryable(errors.New("unexpected connection closure")))
	assert.True(t, IsRetryable(errors.New("i/o timeout")))
	assert.True(t, IsRetryable(errors.New("https response error StatusCode: 503")))
	assert.False(t, IsRetryable(errors.New("parse error in manifest")))
}

func TestIsRetryableWrappedAPIError(t *testing.T) {
	wrapped := fmt.Errorf("upload part 3: %w", apiError("SlowDown"))
	assert.True(t, IsRetryable(wrapped))
}

func TestIsRetryableNil(t *testing.T) {
	assert.False(t, IsRetryable(nil))
}
