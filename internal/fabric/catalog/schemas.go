package catalog

import "time"

// Payload schemas for the catalog tasks. Fields use named string keys so
// decoders tolerate unknown fields added by newer producers.

// SignalCodePostCreateArgs follow up a freshly stored signal code with key
// generation and outbound notification.
type SignalCodePostCreateArgs struct {
	SignalCodeID string    `cbor:"signal_code_id"`
	AccountID    string    `cbor:"account_id"`
	CreatedAt    time.Time `cbor:"created_at"`
}

// ExternalOTPCreateArgs request delivery of a one-time passcode. ObjectID is
// the stable identifier consumers key their get-or-create on.
type ExternalOTPCreateArgs struct {
	ObjectID    string    `cbor:"object_id"`
	AccountID   string    `cbor:"account_id"`
	Channel     string    `cbor:"channel"`
	Address     string    `cbor:"address"`
	RequestedAt time.Time `cbor:"requested_at"`
}

// EnrollmentPublishArgs announce an enrollment state change to interested
// services. ObjectID carries the originating signal code's public id so
// downstream consumers can correlate the fan-out; Version lets them reject
// out-of-order application.
type EnrollmentPublishArgs struct {
	EnrollmentID string    `cbor:"enrollment_id"`
	ObjectID     string    `cbor:"object_id"`
	AccountID    string    `cbor:"account_id"`
	Status       string    `cbor:"status"`
	Version      int64     `cbor:"version"`
	OccurredAt   time.Time `cbor:"occurred_at"`
}

// DevicePublishRevokeArgs announce a device revocation.
type DevicePublishRevokeArgs struct {
	DeviceID  string    `cbor:"device_id"`
	AccountID string    `cbor:"account_id"`
	Reason    string    `cbor:"reason"`
	Version   int64     `cbor:"version"`
	RevokedAt time.Time `cbor:"revoked_at"`
}

// AccountPublishDeleteArgs announce an account deletion; consumers tear down
// dependent records.
type AccountPublishDeleteArgs struct {
	AccountID string    `cbor:"account_id"`
	DeletedAt time.Time `cbor:"deleted_at"`
}
