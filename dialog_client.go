package sipstack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/corewire/sipstack/sip"
	"github.com/icholy/digest"
)

type DialogClient struct {
	c          *Client
	dialogs    sync.Map // TODO replace with typed version
	contactHDR sip.ContactHeader
}

func (s *DialogClient) dialogsLen() int {
	leftItems := 0
	s.dialogs.Range(func(key, value any) bool {
		leftItems++
		return true
	})
	return leftItems
}

func (s *DialogClient) loadDialog(id string) *DialogClientSession {
	val, ok := s.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogClientSession)
	return t
}

// NewDialogClientCache provides handle for managing UAC dialogs.
// Contact hdr must be provided for correct invite
// In case handling different transports you should have multiple instances per transport
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	s := &DialogClient{
		c:          client,
		dialogs:    sync.Map{},
		contactHDR: contactHDR,
	}
	return s
}

// Invite sends INVITE request and creates early dialog session.
// You need to call WaitAnswer after for establishing dialog
// For passing custom Invite request use WriteInvite
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}

	for _, h := range headers {
		req.AppendHeader(h)
	}
	return dc.WriteInvite(ctx, req)
}

func (dc *DialogClient) WriteInvite(ctx context.Context, inviteRequest *sip.Request) (*DialogClientSession, error) {
	if inviteRequest.Contact() == nil {
		inviteRequest.AppendHeader(&dc.contactHDR)
	}

	tx, err := dc.c.TransactionRequest(ctx, inviteRequest)
	if err != nil {
		return nil, err
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteRequest,
		},
		dc:       dc,
		inviteTx: tx,
	}
	dtx.Dialog.Init()

	return dtx, nil
}

func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	callid := req.CallID()
	from := req.From()
	to := req.To()

	// The BYE comes from the remote side: our tag is in To, theirs in From.
	id := sip.MakeDialogID(callid.Value(), to.Params.GetOr("tag", ""), from.Params.GetOr("tag", ""))

	dt := dc.loadDialog(id)
	if dt == nil {
		return fmt.Errorf("callid=%q: %w", callid.Value(), ErrDialogDoesNotExists)
	}

	dt.setState(sip.DialogStateEnded)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	defer dt.Close()              // Delete our dialog always
	defer dt.inviteTx.Terminate() // Terminates Invite transaction
	return nil
}

type DialogClientSession struct {
	Dialog
	dc       *DialogClient
	inviteTx sip.ClientTransaction
}

// Close must be always called in order to cleanup some internal resources
// Consider that this will not send BYE or CANCEL or change dialog state
func (s *DialogClientSession) Close() error {
	if s.dc != nil {
		if _, loaded := s.dc.dialogs.LoadAndDelete(s.ID); loaded {
			activeDialogs.WithLabelValues("client").Dec()
		}
	}
	return nil
}

type AnswerOptions struct {
	OnResponse func(res *sip.Response) error

	// For digest authentication
	Username string
	Password string
}

// WaitAnswer waits for success response or returns ErrDialogResponse in case non 2xx.
// Canceling ctx while waiting for a final response sends CANCEL (RFC 3261 §9.1) and
// returns ctx.Err() once the resulting 487 (or transaction death) is observed.
// Returns errors:
// - ErrDialogResponse in case non 2xx response
// - any internal in case waiting answer failed for different reasons
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, tx, inviteRequest := s.dc.c, s.inviteTx, s.InviteRequest

	var r *sip.Response
	var err error
	for {
		select {
		case r = <-tx.Responses():
			// just pass
		case <-ctx.Done():
			cancelReq := sip.NewCancelRequest(inviteRequest)
			if err := client.WriteRequest(cancelReq); err != nil {
				tx.Terminate()
				return errors.Join(err, ctx.Err())
			}

			// Wait for the 487 (or transaction death) the CANCEL provokes so
			// InviteResponse reflects the outcome before we give up the tx.
			select {
			case r = <-tx.Responses():
				s.InviteResponse = r
			case <-tx.Done():
			}
			tx.Terminate()
			return ctx.Err()

		case <-tx.Done():
			// tx.Err() can be empty
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			if err := opts.OnResponse(r); err != nil {
				return err
			}
		}

		if r.IsSuccess() {
			break
		}

		s.InviteResponse = r
		if r.IsProvisional() {
			continue
		}

		if (r.StatusCode == sip.StatusProxyAuthRequired) && opts.Password != "" {
			h := inviteRequest.GetHeader("Proxy-Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = digestProxyAuthRequest(ctx, client, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		if r.StatusCode == sip.StatusUnauthorized && opts.Password != "" {
			h := inviteRequest.GetHeader("Authorization")
			if h == nil {
				tx.Terminate()
				tx, err = client.digestTransactionRequest(ctx, inviteRequest, r, digest.Options{
					Method:   sip.INVITE.String(),
					URI:      inviteRequest.Recipient.Addr(),
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		return &ErrDialogResponse{Res: r}
	}

	id, err := sip.MakeDialogIDFromResponse(r)
	if err != nil {
		return err
	}
	s.inviteTx = tx
	s.InviteResponse = r
	s.ID = id
	s.setState(sip.DialogStateEstablished)
	if s.dc != nil {
		if _, loaded := s.dc.dialogs.LoadOrStore(id, s); !loaded {
			activeDialogs.WithLabelValues("client").Inc()
		}
	}
	return nil
}

// Ack sends ack. Use WriteAck for more customizing
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := newAckRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	if err := s.dc.c.WriteRequest(ack); err != nil {
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye sends bye and terminates session. Use WriteBye if you want to customize bye request
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	dc := s.dc
	defer s.Close()

	state := s.LoadState()
	if state == sip.DialogStateEnded {
		return nil
	}

	if state != sip.DialogStateConfirmed {
		return fmt.Errorf("Dialog not confirmed. ACK not send?")
	}

	tx, err := dc.c.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases
	defer tx.Terminate()         // Terminates current transaction

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			return ErrDialogResponse{res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do sends an arbitrary in-dialog request (re-INVITE, REFER, INFO...): it
// assigns the next CSeq, applies the dialog's route set and waits for the
// final response. Unlike Bye/Ack it does not change dialog state or close
// the session; callers handling method-specific semantics (e.g. REFER
// subscriptions) build on top of it.
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	if s.LoadState() == sip.DialogStateEnded {
		return nil, sip.ErrDialogGone
	}

	s.applyDialogRequest(req)

	tx, err := s.dc.c.TransactionRequest(ctx, req, ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// applyDialogRequest fills in the fields that make req a proper in-dialog
// request per RFC 3261 §12.2.1.1: From/To/Call-ID copied from the dialog,
// CSeq incremented (except ACK/CANCEL) and the UAC route set applied.
func (s *DialogClientSession) applyDialogRequest(req *sip.Request) {
	if req.From() == nil {
		if h := s.InviteRequest.From(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}
	if req.To() == nil {
		if h := s.InviteResponse.To(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}
	if req.CallID() == nil {
		if h := s.InviteRequest.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}

	if cseq := req.CSeq(); cseq == nil {
		next := s.CSEQ()
		if !req.IsAck() && !req.IsCancel() {
			next++
		}
		req.AppendHeader(&sip.CSeqHeader{SeqNo: next, MethodName: req.Method})
	}

	if len(req.GetHeaders("Route")) == 0 {
		applyUACRouteSet(req, s.InviteResponse)
	}

	if !req.IsAck() && !req.IsCancel() {
		s.setCSeq(req.CSeq().SeqNo)
	}
}

// applyUACRouteSet builds req's destination and Route headers from the
// dialog-establishing response's Record-Route set per RFC 3261 §12.1.2/12.2.1.1:
// the UAC's route set is the response's Record-Route values taken in reverse
// order. When the first entry carries no "lr" parameter (a strict router),
// the request-URI is replaced by it instead of the remote target.
func applyUACRouteSet(req *sip.Request, resp *sip.Response) {
	routes := buildUACRoutes(resp)
	for _, r := range routes {
		req.AppendHeader(r)
	}

	if len(routes) > 0 && !routes[0].Address.UriParams.Has("lr") {
		req.Recipient = routes[0].Address
		req.SetDestination(routes[0].Address.HostPort())
		return
	}

	if cont := resp.Contact(); cont != nil {
		req.Recipient = cont.Address
		req.SetDestination(cont.Address.HostPort())
	}
}

// buildUACRoutes parses resp's Record-Route headers and reverses them into
// the UAC's route set (RFC 3261 §12.1.2).
func buildUACRoutes(resp *sip.Response) []*sip.RouteHeader {
	hdrs := resp.GetHeaders("Record-Route")
	routes := make([]*sip.RouteHeader, 0, len(hdrs))
	for i := len(hdrs) - 1; i >= 0; i-- {
		var addr sip.Uri
		value := strings.TrimSpace(hdrs[i].Value())
		value = strings.TrimPrefix(value, "<")
		value = strings.TrimSuffix(value, ">")
		if err := sip.ParseUri(value, &addr); err != nil {
			continue
		}
		routes = append(routes, &sip.RouteHeader{Address: addr})
	}
	return routes
}

// newAckRequestUAC creates the ACK for a 2xx response to an INVITE
// (RFC 3261 §13.2.2.4). It is a separate transaction from the INVITE and
// carries its own route set built from the response's Record-Route headers.
// NOTE: it does not copy Via header. This is left to transport or caller to enforce
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	routes := buildUACRoutes(inviteResponse)

	recipient := inviteRequest.Recipient
	if len(routes) > 0 && !routes[0].Address.UriParams.Has("lr") {
		recipient = routes[0].Address
	} else if cont := inviteResponse.Contact(); cont != nil {
		recipient = cont.Address
	}

	ackRequest := sip.NewRequest(sip.ACK, *recipient.Clone())
	ackRequest.SipVersion = inviteRequest.SipVersion

	for _, r := range routes {
		ackRequest.AppendHeader(r)
	}

	maxForwardsHeader := sip.DefaultMaxForwards
	ackRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		ackRequest.AppendHeader(sip.HeaderClone(h))
	}

	cseq := inviteRequest.CSeq()
	ackRequest.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})

	ackRequest.SetBody(body)
	ackRequest.SetTransport(inviteRequest.Transport())
	ackRequest.SetSource(inviteRequest.Source())
	dest := recipient.HostPort()
	if recipient.Port <= 0 {
		dest = fmt.Sprintf("%s:%d", recipient.Host, sip.DefaultPort(inviteRequest.Transport()))
	}
	ackRequest.SetDestination(dest)
	return ackRequest
}

// newByeRequestUAC creates bye request from established dialog
// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.1
// NOTE: it does not copy Via header. This is left to transport or caller to enforce
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	routes := buildUACRoutes(inviteResponse)

	recipient := &inviteRequest.Recipient
	if len(routes) > 0 && !routes[0].Address.UriParams.Has("lr") {
		recipient = &routes[0].Address
	} else if cont := inviteResponse.Contact(); cont != nil {
		recipient = &cont.Address
	}

	byeRequest := sip.NewRequest(
		sip.BYE,
		*recipient.Clone(),
	)
	byeRequest.SipVersion = inviteRequest.SipVersion

	for _, r := range routes {
		byeRequest.AppendHeader(r)
	}

	maxForwardsHeader := sip.DefaultMaxForwards
	byeRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteResponse.To(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteRequest.CallID(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	cseq := inviteRequest.CSeq()
	byeRequest.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE})

	byeRequest.SetBody(body)
	byeRequest.SetTransport(inviteRequest.Transport())
	byeRequest.SetSource(inviteRequest.Source())
	byeRequest.SetDestination(recipient.HostPort())
	return byeRequest
}
