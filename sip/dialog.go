package sip

import "errors"

// DialogState represents the lifecycle position of a dialog as tracked by
// the owning DialogClientSession/DialogServerSession, not the transaction
// FSMs underneath it.
type DialogState int32

const (
	// DialogStateEstablished is entered once a response carrying a To-tag
	// has been received/sent (1xx or 2xx) and the dialog usage has been
	// created, but ACK has not yet been seen.
	DialogStateEstablished DialogState = iota
	// DialogStateConfirmed is entered once the 2xx has been ACKed.
	DialogStateConfirmed
	// DialogStateEnded is entered on BYE, final non-2xx to an Early
	// dialog, or Cancel.
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEstablished:
		return "Established"
	case DialogStateConfirmed:
		return "Confirmed"
	case DialogStateEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// UASReadRequestDialogID builds the dialog ID a UAS should key an inbound
// dialog-forming request by: Call-ID plus the remote (From) and local (To)
// tags, matching the triple that RFC 3261 uses to correlate in-dialog
// requests once the local tag is assigned.
func UASReadRequestDialogID(req *Request) (string, error) {
	callID := req.CallID()
	if callID == nil {
		return "", errors.New("missing Call-ID header")
	}

	from := req.From()
	if from == nil {
		return "", errors.New("missing From header")
	}
	fromTag, _ := from.Params.Get("tag")

	to := req.To()
	if to == nil {
		return "", errors.New("missing To header")
	}
	toTag, _ := to.Params.Get("tag")

	return MakeDialogIDFromRequest(callID.Value(), toTag, fromTag), nil
}

// MakeDialogIDFromRequest composes the canonical dialog key. For a UAS the
// local tag is the To-tag and the remote tag is the From-tag; for a UAC it
// is reversed. Callers pass the tags already in (local, remote) order.
func MakeDialogIDFromRequest(callID string, localTag string, remoteTag string) string {
	return callID + "__" + localTag + "__" + remoteTag
}

// MakeDialogID is MakeDialogIDFromRequest under the name callers reaching
// for the two tags directly off From/To headers expect.
func MakeDialogID(callID string, localTag string, remoteTag string) string {
	return MakeDialogIDFromRequest(callID, localTag, remoteTag)
}

// MakeDialogIDFromResponse builds the dialog ID a UAC should key an early or
// confirmed dialog by, from a response carrying a To-tag: Call-ID plus the
// local (From) and remote (To) tags. Returns an error if the response has no
// To-tag, since no dialog is created without one (RFC 3261 §12.1.2).
func MakeDialogIDFromResponse(res *Response) (string, error) {
	callID := res.CallID()
	if callID == nil {
		return "", errors.New("missing Call-ID header")
	}

	from := res.From()
	if from == nil {
		return "", errors.New("missing From header")
	}
	fromTag, _ := from.Params.Get("tag")

	to := res.To()
	if to == nil {
		return "", errors.New("missing To header")
	}
	toTag, _ := to.Params.Get("tag")
	if toTag == "" {
		return "", errors.New("response carries no To tag, dialog not created")
	}

	return MakeDialogIDFromRequest(callID.Value(), fromTag, toTag), nil
}
