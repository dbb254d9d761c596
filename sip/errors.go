package sip

import "errors"

// Error kinds surfaced across the codec/transport/transaction boundary.
// Callers use errors.Is against these sentinels; concrete errors wrap one
// of them with %w so context (offending header, offset, destination) is not
// lost.
var (
	// ErrParseError covers MalformedStartLine, MissingMandatoryHeader,
	// BadHeaderSyntax, ContentLengthMismatch and UriSyntax failures from the
	// codec. More specific parse sentinels (ErrParseInvalidMessage etc.) in
	// parser.go already wrap it where the codec raises them.
	ErrParseError = errors.New("sip: parse error")

	// ErrTransportUnavailable is returned when no configured channel can
	// carry a message for the resolved transport kind.
	ErrTransportUnavailable = ErrTransportNotSuported

	// ErrResolutionFailure is returned once NAPTR, SRV and A/AAAA candidates
	// are all exhausted for a destination.
	ErrResolutionFailure = errors.New("sip: DNS resolution failed")

	// ErrCongestionRequiresReliable is returned when an outbound UDP
	// datagram would exceed the congestion threshold (1300 bytes, RFC 3261
	// §18.1.1) for a non-ACK request; the caller must retry over a stream
	// transport with a regenerated branch.
	ErrCongestionRequiresReliable = ErrUDPMTUCongestion

	// ErrAuthenticationFailed is returned once a Digest retry after 401/407
	// also fails; the caller is not retried a second time.
	ErrAuthenticationFailed = errors.New("sip: authentication failed")

	// ErrDialogGone is returned when a request targets a dialog that has
	// already transitioned to Terminated.
	ErrDialogGone = errors.New("sip: dialog is gone")

	// ErrProtocolViolation is returned by optional strict checks (SDP
	// syntax validation, mandatory-header enforcement) on otherwise
	// parseable input.
	ErrProtocolViolation = errors.New("sip: protocol violation")

	// ErrCancelled distinguishes an application-initiated CANCEL/context
	// cancellation from ErrTransactionTimeout.
	ErrCancelled = ErrTransactionCanceled
)
