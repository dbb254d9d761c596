package sip

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// ValidateSDPBody parses body with pion/sdp/v3 purely to check RFC 4566
// syntax. The parsed structure is discarded; callers still treat the body as
// an opaque payload afterwards. This exists because the transport/dialog
// layers never interpret SDP semantics (see Non-goals) but a malformed
// offer is cheaper to reject at the codec boundary than to diagnose once it
// has already been handed to a media collaborator.
func ValidateSDPBody(body []byte) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	return nil
}

// isSDPContentType reports whether a Content-Type header names application/sdp,
// ignoring any trailing parameters (e.g. "application/sdp;charset=...").
func isSDPContentType(ct *ContentTypeHeader) bool {
	if ct == nil {
		return false
	}
	v := ct.Value()
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.EqualFold(strings.TrimSpace(v), "application/sdp")
}
