package syncprov

import "errors"

var (
	// ErrStaleCookie means the consumer's state can no longer be resolved and
	// a full reload is required.
	ErrStaleCookie = errors.New("syncprov: sync cookie is stale")
	// ErrScopeInvalidated means the base entry of a subscription was renamed
	// or removed. The consumer must reconnect and resynchronize.
	ErrScopeInvalidated = errors.New("syncprov: search base has changed")
	// ErrBackendUnavailable wraps storage failures during match, replay or
	// refresh.
	ErrBackendUnavailable = errors.New("syncprov: backend unavailable")
	// ErrProtocol rejects requests the sync protocol does not allow.
	ErrProtocol = errors.New("syncprov: protocol error")
	// ErrCancelled is carried by the done marker of a cancelled subscription.
	ErrCancelled = errors.New("syncprov: cancelled")
	// ErrAbandoned is returned by Subscribe when the subscription was
	// abandoned during its refresh.
	ErrAbandoned = errors.New("syncprov: abandoned")
	// ErrClosed is returned once the provider is closed.
	ErrClosed = errors.New("syncprov: provider closed")
)
