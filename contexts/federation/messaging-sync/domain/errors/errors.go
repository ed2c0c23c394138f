package errors

import "errors"

var (
	ErrInvalidEvent        = errors.New("invalid event envelope")
	ErrInvalidEventPayload = errors.New("invalid event payload")
	ErrVersionMismatch     = errors.New("unsupported envelope version")
	ErrOriginMismatch      = errors.New("origin domain does not match caller")

	ErrUnknownPeer      = errors.New("unknown peer")
	ErrPeerNotIncoming  = errors.New("peer is not enabled for incoming federation")
	ErrInvalidSignature = errors.New("invalid request signature")

	ErrSequenceGap    = errors.New("sequence gap detected")
	ErrRecoveryFailed = errors.New("gap recovery failed")

	ErrServerNotFound  = errors.New("server not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrMirroredEntity  = errors.New("entity is a mirror and cannot be re-federated")

	ErrOutboxEventNotFound = errors.New("outbox event not found")
)
