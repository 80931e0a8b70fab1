package newebpay

import "errors"

// Builder and verifier failures. Callers branch on these with errors.Is;
// signature failures are kept distinct from structural ones so tampering can
// be logged separately from transport corruption.
var (
	ErrInvalidAmount       = errors.New("newebpay: amount must be positive")
	ErrInvalidSelector     = errors.New("newebpay: invalid trade selector")
	ErrMalformedCiphertext = errors.New("newebpay: malformed ciphertext")
	ErrMalformedPayload    = errors.New("newebpay: malformed payload")
	ErrSignatureMismatch   = errors.New("newebpay: TradeSha mismatch")
)

// Outbound API call failures. ErrTimeout is retryable by the caller with
// backoff; neither is retried here.
var (
	ErrTimeout   = errors.New("newebpay: provider request timed out")
	ErrTransport = errors.New("newebpay: provider request failed")
)
