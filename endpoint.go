package sipstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/corewire/sipstack/sip"
	"github.com/google/uuid"
)

// Credentials authenticates outbound requests challenged with 401/407
// (RFC 7616), reusing the Client's existing DigestAuth shape.
type Credentials struct {
	Username string
	Password string
	Realm    string
}

// Callbacks are the Endpoint's typed event hooks. Unset callbacks are
// no-ops. These are plain func values, never a string-keyed dispatch table.
type Callbacks struct {
	OnIncomingCall      func(call *CallHandle, sdpOffer []byte)
	OnCallAnswered      func(call *CallHandle, sdpAnswer []byte)
	OnCallEnded         func(call *CallHandle, cause error)
	OnDTMF              func(call *CallHandle, digit string)
	OnTransferRequested func(call *CallHandle, target sip.Uri)
	OnRegisterResult    func(aor sip.Uri, err error)
}

// CallHandle identifies a single call placed or accepted through an
// Endpoint. Safe for concurrent Hangup/Hold/Transfer calls.
type CallHandle struct {
	ID     string
	Target sip.Uri

	mu     sync.Mutex
	client *DialogClientSession
	server *DialogServerSession
	onHold bool

	ep *Endpoint
}

var ErrCallNoDialog = errors.New("sipstack: call has no established dialog")

func (h *CallHandle) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	h.mu.Lock()
	client, server := h.client, h.server
	h.mu.Unlock()

	switch {
	case client != nil:
		return client.Do(ctx, req)
	case server != nil:
		return server.Do(ctx, req)
	default:
		return nil, ErrCallNoDialog
	}
}

// State returns the call's current dialog state.
func (h *CallHandle) State() sip.DialogState {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.client != nil:
		return h.client.LoadState()
	case h.server != nil:
		return h.server.LoadState()
	default:
		return sip.DialogStateEnded
	}
}

// Accept answers an inbound call with the given SDP answer. Only valid for
// calls surfaced through Callbacks.OnIncomingCall.
func (h *CallHandle) Accept(sdpAnswer []byte) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return fmt.Errorf("sipstack: call %s is not inbound", h.ID)
	}
	return server.RespondSDP(sdpAnswer)
}

// Provisional sends a provisional response on an inbound call (e.g.
// 180 Ringing), before Accept or Reject settle it.
func (h *CallHandle) Provisional(statusCode sip.StatusCode, reason string) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return fmt.Errorf("sipstack: call %s is not inbound", h.ID)
	}
	return server.Respond(statusCode, reason, nil)
}

// Reject declines an inbound call with statusCode/reason (e.g. 486 Busy Here).
func (h *CallHandle) Reject(statusCode sip.StatusCode, reason string) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return fmt.Errorf("sipstack: call %s is not inbound", h.ID)
	}
	return server.Respond(statusCode, reason, nil)
}

// Redirect declines an inbound call with a 302 pointing at target.
func (h *CallHandle) Redirect(target sip.Uri) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return fmt.Errorf("sipstack: call %s is not inbound", h.ID)
	}
	contact := sip.ContactHeader{Address: target}
	return server.Respond(sip.StatusMovedTemporarily, "Moved Temporarily", nil, &contact)
}

// Endpoint is a high level call-control surface on top of Client/Server and
// the dialog layer: PlaceCall/Hangup/Hold/Transfer/Register with the typed
// callbacks in Callbacks. It composes a UserAgent's Client and Server
// behind one handle so applications do not juggle the three separately.
type Endpoint struct {
	ua     *UserAgent
	client *Client
	server *Server

	contactHDR sip.ContactHeader

	dialogClient *DialogClient
	dialogServer *DialogServer

	creds     Credentials
	callbacks Callbacks

	log *slog.Logger

	// calls is the active-call registry keyed by dialog ID, used to route
	// inbound in-dialog requests (INFO/REFER/NOTIFY) back to the CallHandle
	// that owns them.
	calls sync.Map // dialogID -> *CallHandle

	// transfers correlates NOTIFY messages on the implicit REFER
	// subscription (RFC 3515 §2.4.4) back to the call that sent the REFER.
	// A dialog has at most one in-flight transfer at a time in this
	// Endpoint, so the dialog ID is a sufficient key.
	transfers sync.Map // dialogID -> *CallHandle
}

type EndpointOption func(ep *Endpoint)

// WithEndpointCredentials sets the credentials used to answer 401/407
// challenges for PlaceCall/Register.
func WithEndpointCredentials(creds Credentials) EndpointOption {
	return func(ep *Endpoint) {
		ep.creds = creds
	}
}

// WithEndpointCallbacks registers the Endpoint's event callbacks.
func WithEndpointCallbacks(cb Callbacks) EndpointOption {
	return func(ep *Endpoint) {
		ep.callbacks = cb
	}
}

// WithEndpointLogger overrides the Endpoint's logger.
func WithEndpointLogger(log *slog.Logger) EndpointOption {
	return func(ep *Endpoint) {
		ep.log = log
	}
}

// NewEndpoint builds a call-control Endpoint over ua, using contactHDR as
// the local Contact for both inbound and outbound dialogs.
func NewEndpoint(ua *UserAgent, contactHDR sip.ContactHeader, opts ...EndpointOption) (*Endpoint, error) {
	client, err := NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("sipstack: endpoint client setup failed: %w", err)
	}

	server, err := NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("sipstack: endpoint server setup failed: %w", err)
	}

	ep := &Endpoint{
		ua:         ua,
		client:     client,
		server:     server,
		contactHDR: contactHDR,
		log:        sip.DefaultLogger().With("caller", "Endpoint"),
	}

	for _, o := range opts {
		o(ep)
	}

	ep.dialogClient = NewDialogClientCache(client, contactHDR)
	ep.dialogServer = NewDialogServerCache(client, contactHDR)

	server.OnInvite(ep.handleInvite)
	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		ep.dialogServer.ReadAck(req, tx)
	})
	server.OnBye(ep.handleBye)
	server.OnRefer(ep.handleRefer)
	server.OnNotify(ep.handleNotify)
	server.OnInfo(ep.handleInfo)

	return ep, nil
}

// Serve starts the Endpoint's server transport.
func (ep *Endpoint) Serve(ctx context.Context, network, addr string) error {
	return ep.server.ListenAndServe(ctx, network, addr)
}

func (ep *Endpoint) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	dlg, err := ep.dialogServer.ReadInvite(req, tx)
	if err != nil {
		ep.log.Error("endpoint: reading invite failed", "error", err)
		return
	}

	call := &CallHandle{ID: dlg.ID, Target: req.From().Address, server: dlg, ep: ep}
	ep.calls.Store(call.ID, call)
	dlg.OnState(func(s sip.DialogState) {
		if s == sip.DialogStateEnded {
			ep.calls.Delete(call.ID)
			ep.transfers.Delete(call.ID)
			if ep.callbacks.OnCallEnded != nil {
				ep.callbacks.OnCallEnded(call, dlg.err())
			}
		}
	})

	if ep.callbacks.OnIncomingCall != nil {
		ep.callbacks.OnIncomingCall(call, req.Body())
		return
	}

	// No handler registered: decline politely rather than leaving the
	// transaction to time out.
	dlg.Respond(sip.StatusDecline, "Decline", nil)
}

func (ep *Endpoint) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	err := ep.dialogServer.ReadBye(req, tx)
	if errors.Is(err, ErrDialogDoesNotExists) {
		err = ep.dialogClient.ReadBye(req, tx)
	}
	if err != nil {
		ep.log.Error("endpoint: bye handling failed", "error", err)
	}
}

// handleInfo surfaces DTMF relayed via INFO (application/dtmf-relay), the
// signaling-only alternative to RFC 4733 RTP telephone-events.
func (ep *Endpoint) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		tx.Respond(res)
	}()

	ct := req.ContentType()
	if ct == nil || !strings.EqualFold(strings.TrimSpace(string(*ct)), "application/dtmf-relay") {
		return
	}

	if ep.callbacks.OnDTMF == nil {
		return
	}

	call := ep.lookupCall(req)
	if call == nil {
		return
	}

	for _, line := range strings.Split(string(req.Body()), "\n") {
		line = strings.TrimSpace(line)
		k, v, ok := strings.Cut(line, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "signal") {
			continue
		}
		ep.callbacks.OnDTMF(call, strings.TrimSpace(v))
	}
}

func (ep *Endpoint) lookupCall(req *sip.Request) *CallHandle {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil
	}
	if v, ok := ep.calls.Load(id); ok {
		return v.(*CallHandle)
	}
	return nil
}

// PlaceCall sends an INVITE to target with sdpOffer as the body and blocks
// until a final response or transaction termination, retrying once with
// digest credentials on a 401/407 (RFC 7616).
func (ep *Endpoint) PlaceCall(ctx context.Context, target sip.Uri, sdpOffer []byte) (*CallHandle, error) {
	dlg, err := ep.dialogClient.Invite(ctx, target, sdpOffer)
	if err != nil {
		return nil, err
	}

	call := &CallHandle{ID: dlg.InviteRequest.CallID().Value(), Target: target, client: dlg, ep: ep}

	err = dlg.WaitAnswer(ctx, AnswerOptions{
		Username: ep.creds.Username,
		Password: ep.creds.Password,
	})
	if err != nil {
		var errResp *ErrDialogResponse
		if errors.As(err, &errResp) {
			if ep.callbacks.OnCallEnded != nil {
				ep.callbacks.OnCallEnded(call, err)
			}
			return call, err
		}
		return nil, err
	}

	call.ID = dlg.ID
	ep.calls.Store(call.ID, call)

	if err := dlg.Ack(ctx); err != nil {
		return call, err
	}

	dlg.OnState(func(s sip.DialogState) {
		if s == sip.DialogStateEnded {
			ep.calls.Delete(call.ID)
			ep.transfers.Delete(call.ID)
			if ep.callbacks.OnCallEnded != nil {
				ep.callbacks.OnCallEnded(call, dlg.err())
			}
		}
	})

	if ep.callbacks.OnCallAnswered != nil {
		ep.callbacks.OnCallAnswered(call, dlg.InviteResponse.Body())
	}

	return call, nil
}

// Hangup ends the call, sending BYE if it is still active.
func (ep *Endpoint) Hangup(ctx context.Context, call *CallHandle) error {
	call.mu.Lock()
	client, server := call.client, call.server
	call.mu.Unlock()

	switch {
	case client != nil:
		return client.Bye(ctx)
	case server != nil:
		return server.Bye(ctx)
	default:
		return ErrCallNoDialog
	}
}

// Hold sends a re-INVITE toggling the call's hold state via SDP direction
// attributes, per RFC 3261 §14/RFC 6337. sdpOffer carries the new offer body
// (with a=sendonly/a=sendrecv already set by the caller's media layer); on
// success the response's SDP answer is reported through OnCallAnswered just
// like the initial offer/answer exchange.
func (ep *Endpoint) Hold(ctx context.Context, call *CallHandle, on bool, sdpOffer []byte) error {
	call.mu.Lock()
	target := call.Target
	call.mu.Unlock()

	req := sip.NewRequest(sip.INVITE, target)
	req.SetBody(sdpOffer)
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)

	res, err := call.do(ctx, req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return &ErrDialogResponse{Res: res}
	}

	call.mu.Lock()
	call.onHold = on
	call.mu.Unlock()

	if ep.callbacks.OnCallAnswered != nil {
		ep.callbacks.OnCallAnswered(call, res.Body())
	}
	return nil
}

// Transfer issues REFER with Refer-To=target (RFC 3515), blocking for the
// 202 Accepted that establishes the implicit subscription. NOTIFY progress
// on that subscription is then reported asynchronously through
// Callbacks.OnTransferRequested as it arrives.
//
// For an attended transfer, target is expected to already carry a "Replaces"
// URI header (RFC 3891) identifying the other leg's dialog, since REFER
// itself takes no second call handle.
func (ep *Endpoint) Transfer(ctx context.Context, call *CallHandle, target sip.Uri, attended bool) error {
	referToParams := sip.NewParams()
	if attended {
		referToParams.Add("method", "INVITE")
	}

	req := sip.NewRequest(sip.REFER, call.Target)
	req.AppendHeader(&sip.ReferToHeader{Address: target, Params: referToParams})
	if from := call.inviteFrom(); from != nil {
		req.AppendHeader(&sip.ReferredByHeader{Address: from.Address, Params: sip.NewParams()})
	}

	res, err := call.do(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode != sip.StatusAccepted {
		return &ErrDialogResponse{Res: res}
	}

	ep.transfers.Store(call.ID, call)
	return nil
}

func (h *CallHandle) inviteFrom() *sip.FromHeader {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.client != nil:
		return h.client.InviteRequest.From()
	case h.server != nil:
		return h.server.InviteRequest.From()
	default:
		return nil
	}
}

// handleRefer accepts an inbound REFER carrying a Refer-To with a 202 and,
// when the REFER belongs to a known call, then reports the Refer-To address
// through OnTransferRequested. The 202 is sent before the callback runs, and
// no INVITE to the transfer target is sent from here.
func (ep *Endpoint) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	referTo := req.GetHeader("Refer-To")
	if referTo == nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Refer-To", nil))
		return
	}

	h, ok := referTo.(*sip.ReferToHeader)
	if !ok {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Malformed Refer-To", nil))
		return
	}

	call := ep.lookupCall(req)

	res := sip.NewResponseFromRequest(req, sip.StatusAccepted, "Accepted", nil)
	if err := tx.Respond(res); err != nil {
		ep.log.Error("endpoint: responding to refer failed", "error", err)
		return
	}

	if ep.callbacks.OnTransferRequested != nil && call != nil {
		ep.callbacks.OnTransferRequested(call, h.Address)
	}
}

// handleNotify completes the implicit REFER subscription and answers every
// NOTIFY with 200. For a tracked transfer it reads the status line of the
// "message/sipfrag" body (RFC 3515 §2.4.4) and, when a status code is found,
// calls OnTransferRequested with the call and its target; the status code
// itself is not passed to the callback. A final (>= 200) status ends the
// tracking of that transfer.
func (ep *Endpoint) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		tx.Respond(res)
	}()

	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return
	}
	v, ok := ep.transfers.Load(id)
	if !ok {
		return
	}
	call := v.(*CallHandle)

	if ep.callbacks.OnTransferRequested == nil {
		return
	}

	statusCode := parseSipfragStatus(req.Body())
	if statusCode == 0 {
		return
	}

	ep.callbacks.OnTransferRequested(call, call.Target)

	if statusCode >= 200 {
		ep.transfers.Delete(id)
	}
}

// parseSipfragStatus extracts the status code from a "SIP/2.0 <code> <reason>"
// message/sipfrag body (RFC 3515 §2.4.4).
func parseSipfragStatus(body []byte) int {
	line := strings.TrimSpace(string(body))
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

// Register sends a REGISTER for aor with expiry, retrying once with digest
// credentials on a 401 or 407 challenge, per RFC 3261 §10.
func (ep *Endpoint) Register(ctx context.Context, aor sip.Uri, creds Credentials, expiry int) error {
	req := sip.NewRequest(sip.REGISTER, aor)
	req.AppendHeader(&ep.contactHDR)
	expiresHdr := sip.ExpiresHeader(expiry)
	req.AppendHeader(&expiresHdr)

	res, err := ep.client.Do(ctx, req, ClientRequestRegisterBuild)
	if err != nil {
		if ep.callbacks.OnRegisterResult != nil {
			ep.callbacks.OnRegisterResult(aor, err)
		}
		return err
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = ep.client.DoDigestAuth(ctx, req, res, DigestAuth{
			Username: creds.Username,
			Password: creds.Password,
		})
		if err != nil {
			if ep.callbacks.OnRegisterResult != nil {
				ep.callbacks.OnRegisterResult(aor, err)
			}
			return err
		}
		if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
			// One retry only; a second challenge is a hard failure.
			err = fmt.Errorf("%w: registrar rejected credentials with %d", sip.ErrAuthenticationFailed, res.StatusCode)
			if ep.callbacks.OnRegisterResult != nil {
				ep.callbacks.OnRegisterResult(aor, err)
			}
			return err
		}
	}

	if !res.IsSuccess() {
		err = &ErrDialogResponse{Res: res}
	}

	if ep.callbacks.OnRegisterResult != nil {
		ep.callbacks.OnRegisterResult(aor, err)
	}
	return err
}

// newReferSubscriptionID returns a fresh identifier usable as a
// Refer-To;id= parameter (RFC 3515 §2.4.1) distinguishing multiple REFERs
// sent within the same dialog. Nothing in this package calls it:
// handleRefer/handleNotify track one in-flight transfer per call.
func newReferSubscriptionID() string {
	return uuid.NewString()
}
