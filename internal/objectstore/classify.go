package objectstore

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// retryableCodes are AWS error codes for transient conditions.
var retryableCodes = map[string]bool{
	"Throttling":          true,
	"ThrottlingException": true,
	"RequestThrottled":    true,
	"SlowDown":            true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
	"ServiceException":    true,

	// Mid-multipart conditions: the upload session is gone or corrupt and a
	// fresh attempt starts a new one.
	"NoSuchUpload":  true,
	"InvalidUpload": true,
}

// permanentCodes are AWS error codes that will not resolve by retrying:
// bad credentials, missing buckets, malformed requests.
var permanentCodes = map[string]bool{
	"InvalidAccessKeyId":       true,
	"SignatureDoesNotMatch":    true,
	"AccessDenied":             true,
	"Forbidden":                true,
	"NoSuchBucket":             true,
	"InvalidBucketName":        true,
	"NoSuchKey":                true,
	"NotFound":                 true,
	"InvalidRequest":           true,
	"InvalidArgument":          true,
	"MalformedXML":             true,
	"EntityTooLarge":           true,
	"InvalidObjectState":       true,
	"RestoreAlreadyInProgress": true,
}

// IsRetryable reports whether err is a transient condition worth retrying.
// Context cancellation is never retryable. Unknown errors fall back to
// message inspection, since wrapped transport errors often lose their type.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if retryableCodes[code] {
			return true
		}
		if permanentCodes[code] {
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection",
		"broken pipe",
		"network",
		"temporary",
		"throttl",
		"rate limit",
		"statuscode: 5",
		"statuscode: 408",
		"statuscode: 429",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}
