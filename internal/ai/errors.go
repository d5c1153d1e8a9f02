package ai

import "github.com/kiranshivaraju/lawsignal/internal/ai/transport"

var (
	ErrProviderUnavailable = transport.ErrProviderUnavailable
	ErrInferenceTimeout    = transport.ErrInferenceTimeout
	ErrInvalidResponse     = transport.ErrInvalidResponse
	ErrRequestRejected     = transport.ErrRequestRejected
)
