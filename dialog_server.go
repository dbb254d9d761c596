package sipstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corewire/sipstack/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

type DialogServer struct {
	dialogs    sync.Map // TODO replace with typed version
	contactHDR sip.ContactHeader
	c          *Client
}

func (s *DialogServer) loadDialog(id string) *DialogServerSession {
	val, ok := s.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogServerSession)
	return t
}

func (s *DialogServer) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := s.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// NewDialogServerCache provides handle for managing UAS dialog
// Contact hdr is default that is provided for responses.
// Client is needed for termination dialog session
// In case handling different transports you should have multiple instances per transport
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	s := &DialogServer{
		dialogs:    sync.Map{},
		contactHDR: contactHDR,
		c:          client,
	}
	return s
}

// ReadInvite should read from your OnInvite handler for which it creates dialog context
// You need to use DialogServerSession for all further responses
// Do not forget to add ReadAck and ReadBye for confirming dialog and terminating
func (s *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	cont := req.Contact()
	if cont == nil {
		return nil, ErrDialogInviteNoContact
	}

	// Prebuild already to tag for response as it must be same for all responds
	// NewResponseFromRequest will skip this for all 100
	tagID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
	}
	req.To().Params.Add("tag", tagID.String())
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, err
	}

	// Bail before building dialog state if the transaction is already
	// terminated or was canceled before we got a chance to read it.
	if err := tx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-tx.Done():
		return nil, sip.ErrTransactionTerminated
	default:
	}

	dtx := &DialogServerSession{
		Dialog: Dialog{
			ID:            id, // this id has already prebuilt tag
			InviteRequest: req,
		},
		inviteTx: tx,
		s:        s,
	}
	dtx.Dialog.Init()

	// Detect a transaction that is already terminated or canceled before we
	// ever get a chance to respond, and one that terminates/cancels while
	// we are still using it.
	tx.OnTerminate(func(key string, err error) {
		dtx.endWithCause(sip.ErrTransactionTerminated)
	})
	tx.OnCancel(func(req *sip.Request) {
		dtx.endWithCause(sip.ErrTransactionCanceled)
	})
	if err := tx.Err(); err != nil {
		dtx.endWithCause(err)
	}

	if _, loaded := s.dialogs.LoadOrStore(id, dtx); !loaded {
		activeDialogs.WithLabelValues("server").Inc()
	}
	return dtx, nil
}

// ReadAck should read from your OnAck handler
func (s *DialogServer) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		return err
	}

	dt.setState(sip.DialogStateConfirmed)
	// Acks are normally just absorbed, but in case of proxy
	// they still need to be passed
	return nil
}

// ReadBye should read from your OnBye handler
func (s *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.2
		// If the BYE does not
		//    match an existing dialog, the UAS core SHOULD generate a 481
		//    (Call/Transaction Does Not Exist)
		// res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		// if err := tx.Respond(res); err != nil {
		// 	return err
		// }
		return err
	}
	return dt.ReadBye(req, tx)
}

type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	s        *DialogServer
}

// TransactionRequest is doing client DIALOG request based on RFC
// https://www.rfc-editor.org/rfc/rfc3261#section-12.2.1
// This ensures that you have proper request done within dialog
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	// Dialog identifying headers are reversed relative to the INVITE: we are
	// the callee, so our local party is the invite's To and the remote party
	// is the invite's From.
	if req.CallID() == nil {
		if h := s.InviteRequest.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}
	if req.From() == nil {
		if to := s.InviteRequest.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params,
			})
		}
	}
	if req.To() == nil {
		if from := s.InviteRequest.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params,
			})
		}
	}

	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{
			SeqNo:      s.InviteRequest.CSeq().SeqNo,
			MethodName: req.Method,
		}
		req.AppendHeader(cseq)
	}

	// For safety make sure we are starting with our last dialog cseq num
	cseq.SeqNo = s.CSEQ()

	if !req.IsAck() && !req.IsCancel() {
		// Do cseq increment within dialog
		cseq.SeqNo = s.CSEQ() + 1
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-12.1.1
	// The UAS route set is the Record-Route values from the request that
	// created the dialog, taken in the SAME order (unlike the UAC side,
	// which reverses them - see applyUACRouteSet).
	for _, h := range s.InviteRequest.GetHeaders("Record-Route") {
		rr, ok := h.(*sip.RecordRouteHeader)
		if !ok {
			continue
		}
		req.AppendHeader(&sip.RouteHeader{Address: rr.Address})
	}

	// Check Route Header
	// Should be handled by transport layer but here we are making this explicit
	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.HostPort())
	}

	s.setCSeq(cseq.SeqNo)
	// Passing option to avoid CSEQ apply
	return s.s.c.TransactionRequest(ctx, req, ClientRequestBuild)
}

// Do sends an arbitrary in-dialog request (re-INVITE, REFER, INFO...) from
// the UAS side and waits for the final response, mirroring
// DialogClientSession.Do for callers that treat both dialog roles uniformly.
func (s *DialogServerSession) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	if s.LoadState() == sip.DialogStateEnded {
		return nil, sip.ErrDialogGone
	}

	tx, err := s.TransactionRequest(ctx, req)
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

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.s.c.WriteRequest(req)
}

// ReadAck confirms this session's dialog once the ACK for its 2xx response
// is received. Acks are normally just absorbed, but in case of a proxy they
// still need to be passed along to tx.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadBye ends this dialog on a BYE received within it. The CSeq must
// advance past the highest CSeq seen from the peer (RFC 3261 §12.2.2);
// anything lower or equal is answered 500 and rejected.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	if cseq := req.CSeq(); cseq == nil || cseq.SeqNo <= s.remoteCSEQ() {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
		return ErrDialogInvalidCseq
	}
	s.setRemoteCSeq(req.CSeq().SeqNo)

	defer s.Close()
	defer s.inviteTx.Terminate() // Terminates Invite transaction

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.setState(sip.DialogStateEnded)
	return nil
}

// Close is always good to call for cleanup or terminating dialog state
func (s *DialogServerSession) Close() error {
	if _, loaded := s.s.dialogs.LoadAndDelete(s.ID); loaded {
		activeDialogs.WithLabelValues("server").Dec()
	}
	// s.setState(sip.DialogStateEnded)
	// ctx, _ := context.WithTimeout(context.Background(), transaction.Timer_B)
	// return s.Bye(ctx)
	return nil
}

// authDigest challenges the dialog's INVITE request for RFC 7616 digest
// credentials and verifies them against opts. Without a qop, the digest
// response is deterministic given (Username, Password, Method, URI), so
// the expected credential string can be recomputed and compared directly
// against the client's Authorization header instead of parsing it.
func (s *DialogServerSession) authDigest(chal *digest.Challenge, opts digest.Options) error {
	wwwAuthenticate := fmt.Sprintf(
		`Digest realm="%s", nonce="%s", opaque="%s", algorithm=%s`,
		chal.Realm, chal.Nonce, chal.Opaque, chal.Algorithm,
	)

	authHeader := s.InviteRequest.GetHeader("Authorization")
	if authHeader == nil {
		s.Respond(sip.StatusUnauthorized, "Unauthorized", nil, sip.NewHeader("WWW-Authenticate", wwwAuthenticate))
		return fmt.Errorf("no Authorization header present, challenge sent")
	}

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return fmt.Errorf("failed building digest response: %w", err)
	}

	if authHeader.Value() != cred.String() {
		s.Respond(sip.StatusUnauthorized, "Unauthorized", nil, sip.NewHeader("WWW-Authenticate", wwwAuthenticate))
		return fmt.Errorf("digest authorization mismatch")
	}
	return nil
}

// Respond should be called for Invite request, you may want to call this multiple times like
// 100 Progress or 180 Ringing
// 2xx for creating dialog or other code in case failure
//
// In case Cancel request received: ErrDialogCanceled is responded
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	// Must copy Record-Route headers. Done by this command
	res := sip.NewResponseFromRequest(s.InviteRequest, int(statusCode), reason, body)

	for _, h := range headers {
		res.AppendHeader(h)
	}

	return s.WriteResponse(res)
}

// RespondSDP is just wrapper to call 200 with SDP.
// It is better to use this when answering as it provide correct headers
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse allows passing you custom response
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		// Add our default contact header
		res.AppendHeader(&s.s.contactHDR)
	}

	s.Dialog.InviteResponse = res

	// Do we have cancel or termination in the meantime. CANCEL itself is
	// handled transparently by the transaction (it sends 487 automatically,
	// see ReadInvite's tx.OnCancel registration for our own state bookkeeping).
	select {
	case <-tx.Done():
		if err := tx.Err(); err != nil {
			if errors.Is(err, sip.ErrTransactionCanceled) {
				return ErrDialogCanceled
			}
			return err
		}
		return ErrDialogCanceled
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			// This will not create dialog so we will just respond
			return tx.Respond(res)
		}

		// For final response we want to set dialog ended state
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	s.setState(sip.DialogStateEstablished)

	// Register state updates before sending so a fast ACK cannot slip
	// between the send and the wait below.
	stateCh := s.StateRead()

	if err := tx.Respond(res); err != nil {
		// We could also not delete this as Close will handle cleanup
		if _, loaded := s.s.dialogs.LoadAndDelete(id); loaded {
			activeDialogs.WithLabelValues("server").Dec()
		}
		return err
	}

	// The INVITE server transaction does not own 2xx retransmissions
	// (RFC 6026 §7.1): the UAS core resends the response until the ACK
	// confirms the dialog or 64*T1 passes (RFC 3261 §13.3.1.4).
	interval := sip.T1
	retransmit := time.NewTimer(interval)
	defer retransmit.Stop()
	timeout := time.NewTimer(64 * sip.T1)
	defer timeout.Stop()

	for {
		if s.LoadState() >= sip.DialogStateConfirmed {
			return nil
		}

		select {
		case state := <-stateCh:
			if state >= sip.DialogStateConfirmed {
				return nil
			}
		case <-retransmit.C:
			if err := tx.Respond(res); err != nil {
				return err
			}
			interval *= 2
			if interval > sip.T2 {
				interval = sip.T2
			}
			retransmit.Reset(interval)
		case <-timeout.C:
			return fmt.Errorf("no ACK received on 2xx response: %w", sip.ErrTransactionTimeout)
		case <-tx.Done():
			if err := tx.Err(); err != nil && !errors.Is(err, sip.ErrTransactionTerminated) {
				return err
			}
			return nil
		}
	}
}

func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.LoadState()
	// In case dialog terminated
	if state == sip.DialogStateEnded {
		return nil
	}

	if state != sip.DialogStateConfirmed {
		return nil
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse

	if !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	// This is tricky
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases

	// https://datatracker.ietf.org/doc/html/rfc3261#section-15
	// However, the callee's UA MUST NOT send a BYE on a confirmed dialog
	// until it has received an ACK for its 2xx response or until the server
	// transaction times out.
	for {
		state = s.LoadState()
		if state < sip.DialogStateConfirmed {
			select {
			case <-s.inviteTx.Done():
				// Wait until we timeout
			case <-time.After(sip.T1):
				// Recheck state
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		break
	}

	bye := newByeRequestUAS(req, res)

	// Check that we have still match same dialog
	callidHDR := bye.CallID()
	newFrom := bye.From()
	newTo := bye.To()
	byeID := sip.MakeDialogID(callidHDR.Value(), newFrom.Params.GetOr("tag", ""), newTo.Params.GetOr("tag", ""))
	if s.ID != byeID {
		return fmt.Errorf("non matching ID %q %q", s.ID, byeID)
	}

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate() // Terminates current transaction

	// s.setState(sip.DialogStateEnded)

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

// newCancelRequest builds the CANCEL for an INVITE this package is holding
// open, per RFC 3261 §9.1. It is a thin wrapper so callers in this package
// don't need to reach into sip for the exported constructor by name.
func newCancelRequest(requestForCancel *sip.Request) *sip.Request {
	return sip.NewCancelRequest(requestForCancel)
}

// newByeRequestUAS generates request for UAS within dialog
// it does not add VIA header, as this must be handled by transport layer
func newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	// We must check record route header
	// https://datatracker.ietf.org/doc/html/rfc2543#section-6.13
	cont := req.Contact()
	bye := sip.NewRequest(sip.BYE, cont.Address)

	// Reverse from and to
	from := res.From()
	to := res.To()
	callid := res.CallID()

	newFrom := &sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params,
	}

	newTo := &sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params,
	}

	bye.AppendHeader(newFrom)
	bye.AppendHeader(newTo)
	bye.AppendHeader(callid)

	return bye
}
