package notification

import "errors"

// ErrSendFailed wraps delivery failures from the email and webhook senders.
// Delivery failures never fail the backup run that triggered them; the
// persisted Notification row is the authoritative record.
var ErrSendFailed = errors.New("notification delivery failed")
