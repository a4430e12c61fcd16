package sfu

import "errors"

var (
	ErrClosed = errors.New("sfu: session closed")

	// ErrEngineNotReady is returned by an Engine that cannot create peers
	// yet. Binding is retried while it is returned.
	ErrEngineNotReady = errors.New("sfu: media engine not ready")

	// ErrSessionSetupFailed means a resource never became ready within the
	// retry budget.
	ErrSessionSetupFailed = errors.New("sfu: session setup failed")

	// ErrRemoteRejected wraps an sfu-error from the server.
	ErrRemoteRejected = errors.New("sfu: rejected by server")

	ErrNoProducer = errors.New("sfu: no such producer")
	ErrNoConsumer = errors.New("sfu: no such consumer")
)
