package sipstack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corewire/sipstack/sip"
	"github.com/corewire/sipstack/siptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEndpoint(t testing.TB, cb Callbacks, f func(req *sip.Request) *sip.Response) *Endpoint {
	ua, err := NewUA()
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })

	contact := sip.ContactHeader{
		Address: sip.Uri{User: "endpoint", Host: "127.0.0.110", Port: 5060},
	}
	ep, err := NewEndpoint(ua, contact, WithEndpointCallbacks(cb))
	require.NoError(t, err)
	ep.client.TxRequester = &siptest.ClientTxRequester{OnRequest: f}
	return ep
}

// answerWithTag builds the 200 a remote party would send back on an INVITE:
// To tag assigned, Contact set.
func answerWithTag(req *sip.Request, tag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.To().Params.Add("tag", tag)
	res.AppendHeader(sip.NewHeader("Contact", "<sip:uas@127.0.0.120:5080>"))
	return res
}

func TestEndpointPlaceCallAndHangup(t *testing.T) {
	var answered, ended atomic.Int32
	cb := Callbacks{
		OnCallAnswered: func(call *CallHandle, sdp []byte) { answered.Add(1) },
		OnCallEnded:    func(call *CallHandle, cause error) { ended.Add(1) },
	}

	ep := testEndpoint(t, cb, func(req *sip.Request) *sip.Response {
		if req.IsInvite() {
			return answerWithTag(req, "uas-tag-1")
		}
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	})

	call, err := ep.PlaceCall(context.TODO(), sip.Uri{User: "bob", Host: "127.0.0.120"}, []byte("v=0"))
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.EqualValues(t, 1, answered.Load())
	assert.Equal(t, sip.DialogStateConfirmed, call.State())

	_, ok := ep.calls.Load(call.ID)
	require.True(t, ok)

	err = ep.Hangup(context.TODO(), call)
	require.NoError(t, err)
	assert.Equal(t, sip.DialogStateEnded, call.State())
	assert.EqualValues(t, 1, ended.Load())

	_, ok = ep.calls.Load(call.ID)
	assert.False(t, ok)
}

func TestEndpointPlaceCallRejected(t *testing.T) {
	ep := testEndpoint(t, Callbacks{}, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
	})

	call, err := ep.PlaceCall(context.TODO(), sip.Uri{User: "bob", Host: "127.0.0.120"}, nil)
	require.Error(t, err)

	var errResp *ErrDialogResponse
	require.ErrorAs(t, err, &errResp)
	assert.Equal(t, sip.StatusBusyHere, errResp.Res.StatusCode)
	require.NotNil(t, call)
}

func TestEndpointRegister(t *testing.T) {
	var results []error
	cb := Callbacks{
		OnRegisterResult: func(aor sip.Uri, err error) { results = append(results, err) },
	}

	t.Run("Plain", func(t *testing.T) {
		results = nil
		ep := testEndpoint(t, cb, func(req *sip.Request) *sip.Response {
			res := sip.NewResponseFromRequest(req, 200, "OK", nil)
			expires := sip.ExpiresHeader(3600)
			res.AppendHeader(&expires)
			return res
		})

		err := ep.Register(context.TODO(), sip.Uri{User: "alice", Host: "registrar.local"}, Credentials{}, 3600)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Nil(t, results[0])
	})

	t.Run("DigestChallenge", func(t *testing.T) {
		results = nil
		var authorized atomic.Int32
		ep := testEndpoint(t, cb, func(req *sip.Request) *sip.Response {
			if h := req.GetHeader("Authorization"); h != nil {
				if strings.Contains(h.Value(), `realm="example.com"`) {
					authorized.Add(1)
					res := sip.NewResponseFromRequest(req, 200, "OK", nil)
					expires := sip.ExpiresHeader(3600)
					res.AppendHeader(&expires)
					return res
				}
			}
			res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="abc", algorithm=MD5`))
			return res
		})

		err := ep.Register(context.TODO(), sip.Uri{User: "alice", Host: "registrar.local"}, Credentials{Username: "alice", Password: "secret"}, 3600)
		require.NoError(t, err)
		assert.EqualValues(t, 1, authorized.Load())
		require.Len(t, results, 1)
		assert.Nil(t, results[0])
	})

	t.Run("CredentialsRejected", func(t *testing.T) {
		results = nil
		ep := testEndpoint(t, cb, func(req *sip.Request) *sip.Response {
			res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="abc", algorithm=MD5`))
			return res
		})

		err := ep.Register(context.TODO(), sip.Uri{User: "alice", Host: "registrar.local"}, Credentials{Username: "alice", Password: "wrong"}, 3600)
		require.Error(t, err)
		require.ErrorIs(t, err, sip.ErrAuthenticationFailed)
		require.Len(t, results, 1)
		assert.Error(t, results[0])
	})
}

func TestEndpointTransfer(t *testing.T) {
	var transferTargets []sip.Uri
	cb := Callbacks{
		OnTransferRequested: func(call *CallHandle, target sip.Uri) {
			transferTargets = append(transferTargets, target)
		},
	}

	var referReq *sip.Request
	ep := testEndpoint(t, cb, func(req *sip.Request) *sip.Response {
		switch req.Method {
		case sip.INVITE:
			return answerWithTag(req, "uas-tag-2")
		case sip.REFER:
			referReq = req
			return sip.NewResponseFromRequest(req, sip.StatusAccepted, "Accepted", nil)
		}
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	})

	call, err := ep.PlaceCall(context.TODO(), sip.Uri{User: "bob", Host: "127.0.0.120"}, nil)
	require.NoError(t, err)

	target := sip.Uri{User: "carol", Host: "127.0.0.130"}
	err = ep.Transfer(context.TODO(), call, target, false)
	require.NoError(t, err)

	require.NotNil(t, referReq)
	referTo := referReq.GetHeader("Refer-To")
	require.NotNil(t, referTo)
	assert.Contains(t, referTo.Value(), "carol@127.0.0.130")

	_, pending := ep.transfers.Load(call.ID)
	require.True(t, pending)

	// Transfer progress arrives as NOTIFY on the implicit subscription
	// (RFC 3515 §2.4.4), correlated by the dialog the REFER was sent in.
	notify := buildTransferNotify(t, call, "SIP/2.0 200 OK")
	tx := siptest.NewServerTxRecorder(notify)
	ep.handleNotify(notify, tx)

	resps := tx.Result()
	require.Len(t, resps, 1)
	assert.Equal(t, 200, resps[0].StatusCode)
	require.Len(t, transferTargets, 1)

	// Final NOTIFY closes the subscription
	_, pending = ep.transfers.Load(call.ID)
	assert.False(t, pending)
}

// buildTransferNotify fabricates the NOTIFY the transferee would send back on
// the REFER subscription, with dialog identifiers flipped to the remote view.
func buildTransferNotify(t *testing.T, call *CallHandle, sipfrag string) *sip.Request {
	t.Helper()
	call.mu.Lock()
	dlg := call.client
	call.mu.Unlock()
	require.NotNil(t, dlg)

	fromTag, _ := dlg.InviteRequest.From().Params.Get("tag")
	toTag, _ := dlg.InviteResponse.To().Params.Get("tag")

	notify := testCreateMessage(t, []string{
		"NOTIFY sip:endpoint@127.0.0.110 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.120:5080;branch=" + sip.GenerateBranch(),
		"From: <sip:uas@127.0.0.120>;tag=" + toTag,
		"To: <sip:endpoint@127.0.0.110>;tag=" + fromTag,
		"Call-ID: " + dlg.InviteRequest.CallID().Value(),
		"CSeq: 1 NOTIFY",
		"Event: refer",
		"Subscription-State: terminated;reason=noresource",
		"Content-Type: message/sipfrag;version=2.0",
		fmt.Sprintf("Content-Length: %d", len(sipfrag)),
		"",
		sipfrag,
	}).(*sip.Request)
	return notify
}

func TestEndpointIncomingCallReject(t *testing.T) {
	var incoming atomic.Int32
	cb := Callbacks{
		OnIncomingCall: func(call *CallHandle, sdp []byte) {
			incoming.Add(1)
			require.NoError(t, call.Reject(sip.StatusBusyHere, "Busy Here"))
		},
	}
	ep := testEndpoint(t, cb, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	})

	invite, _, _ := createTestInvite(t, "sip:endpoint@127.0.0.110", "udp", "127.0.0.120:5080")
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "uas", Host: "127.0.0.120", Port: 5080}})

	tx := siptest.NewServerTxRecorder(invite)
	ep.handleInvite(invite, tx)

	require.EqualValues(t, 1, incoming.Load())
	resps := tx.Result()
	require.NotEmpty(t, resps)
	last := resps[len(resps)-1]
	assert.Equal(t, sip.StatusBusyHere, last.StatusCode)
}

func TestEndpointIncomingCallAccept(t *testing.T) {
	answerSDP := []byte("v=0\r\n")
	accepted := make(chan *CallHandle, 1)
	cb := Callbacks{
		OnIncomingCall: func(call *CallHandle, sdp []byte) {
			accepted <- call
		},
	}
	ep := testEndpoint(t, cb, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	})

	invite, _, _ := createTestInvite(t, "sip:endpoint@127.0.0.110", "udp", "127.0.0.120:5080")
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "uas", Host: "127.0.0.120", Port: 5080}})

	tx := siptest.NewServerTxRecorder(invite)
	ep.handleInvite(invite, tx)

	var call *CallHandle
	select {
	case call = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("no incoming call surfaced")
	}

	acceptErr := make(chan error, 1)
	go func() {
		// Blocks until the ACK confirms the dialog
		acceptErr <- call.Accept(answerSDP)
	}()

	// Confirm with the caller's ACK. ReadInvite already assigned the To tag
	// on the invite, so the dialog identifiers are known without waiting for
	// the 200 to be observed on the wire.
	time.Sleep(50 * time.Millisecond)
	ack := testCreateMessage(t, []string{
		"ACK sip:endpoint@127.0.0.110 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.120:5080;branch=" + sip.GenerateBranch(),
		"From: " + invite.From().Value(),
		"To: " + invite.To().Value(),
		"Call-ID: " + invite.CallID().Value(),
		"CSeq: 1 ACK",
		"Content-Length: 0",
		"",
		"",
	}).(*sip.Request)
	require.NoError(t, ep.dialogServer.ReadAck(ack, tx))

	select {
	case err := <-acceptErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after ACK")
	}
	assert.Equal(t, sip.DialogStateConfirmed, call.State())

	resps := tx.Result()
	require.NotEmpty(t, resps)
	assert.True(t, resps[len(resps)-1].IsSuccess())
	assert.Equal(t, answerSDP, resps[len(resps)-1].Body())
}

func TestEndpointDTMFInfo(t *testing.T) {
	digits := make([]string, 0, 2)
	cb := Callbacks{
		OnDTMF: func(call *CallHandle, digit string) { digits = append(digits, digit) },
		OnIncomingCall: func(call *CallHandle, sdp []byte) {
			// keep call pending; INFO can arrive on an early dialog
		},
	}
	ep := testEndpoint(t, cb, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	})

	invite, _, _ := createTestInvite(t, "sip:endpoint@127.0.0.110", "udp", "127.0.0.120:5080")
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "uas", Host: "127.0.0.120", Port: 5080}})
	tx := siptest.NewServerTxRecorder(invite)
	ep.handleInvite(invite, tx)

	var callID string
	ep.calls.Range(func(k, v any) bool {
		callID = k.(string)
		return false
	})
	require.NotEmpty(t, callID)

	fromTag, _ := invite.From().Params.Get("tag")
	toTag, _ := invite.To().Params.Get("tag")
	body := "Signal=5\r\nDuration=160"
	info := testCreateMessage(t, []string{
		"INFO sip:endpoint@127.0.0.110 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.120:5080;branch=" + sip.GenerateBranch(),
		"From: <sip:uas@127.0.0.120>;tag=" + fromTag,
		"To: <sip:endpoint@127.0.0.110>;tag=" + toTag,
		"Call-ID: " + invite.CallID().Value(),
		"CSeq: 2 INFO",
		"Content-Type: application/dtmf-relay",
		fmt.Sprintf("Content-Length: %d", len(body)),
		"",
		body,
	}).(*sip.Request)

	infoTx := siptest.NewServerTxRecorder(info)
	ep.handleInfo(info, infoTx)

	resps := infoTx.Result()
	require.Len(t, resps, 1)
	assert.Equal(t, 200, resps[0].StatusCode)
	require.Len(t, digits, 1)
	assert.Equal(t, "5", digits[0])
}

func TestParseSipfragStatus(t *testing.T) {
	assert.Equal(t, 100, parseSipfragStatus([]byte("SIP/2.0 100 Trying")))
	assert.Equal(t, 180, parseSipfragStatus([]byte("SIP/2.0 180 Ringing\r\n")))
	assert.Equal(t, 200, parseSipfragStatus([]byte("SIP/2.0 200 OK")))
	assert.Equal(t, 0, parseSipfragStatus(nil))
	assert.Equal(t, 0, parseSipfragStatus([]byte("garbage")))
}

func TestEndpointRegisterTransportFailure(t *testing.T) {
	ep := testEndpoint(t, Callbacks{}, nil)
	ep.client.TxRequester = &failingTxRequester{}

	err := ep.Register(context.TODO(), sip.Uri{User: "alice", Host: "registrar.local"}, Credentials{}, 60)
	require.Error(t, err)
}

type failingTxRequester struct{}

func (r *failingTxRequester) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return nil, errors.New("no route to registrar")
}
