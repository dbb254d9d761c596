package sip

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/corewire/sipstack/fakes"
	"github.com/stretchr/testify/require"
)

func TestUDPWriteMsgCongestion(t *testing.T) {
	conn := &UDPConnection{
		PacketConn: &fakes.UDPConn{
			Writers: map[string]io.Writer{
				"127.0.0.1:5060": io.Discard,
			},
		},
	}

	build := func(method RequestMethod) *Request {
		req := NewRequest(method, Uri{User: "bob", Host: "127.0.0.1", Port: 5060})
		params := NewParams()
		params.Add("branch", GenerateBranch())
		req.AppendHeader(&ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       "UDP",
			Host:            "127.0.0.2",
			Port:            5060,
			Params:          params,
		})
		req.SetBody([]byte(strings.Repeat("a=something-large\r\n", 100)))
		req.SetDestination("127.0.0.1:5060")
		return req
	}

	// An oversized INVITE must move to a congestion controlled transport
	invite := build(INVITE)
	require.Greater(t, len(invite.String()), UDPMTUSize-200)
	err := conn.WriteMsg(invite)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUDPMTUCongestion)
	require.ErrorIs(t, err, ErrCongestionRequiresReliable)

	// ACK cannot be answered with a retry signal and goes out as is
	ack := build(ACK)
	require.NoError(t, conn.WriteMsg(ack))
}

func TestUDPParseAndHandleContentLengthMismatch(t *testing.T) {
	out := bytes.Buffer{}
	conn := &UDPConnection{
		PacketConn: &fakes.UDPConn{
			Writers: map[string]io.Writer{
				"127.0.0.2:5060": &out,
			},
		},
	}

	tr := &TransportUDP{log: DefaultLogger()}
	tr.init(NewParser())

	raw := strings.Join([]string{
		"OPTIONS sip:bob@127.0.0.1:5060 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=" + GenerateBranch(),
		"From: <sip:alice@127.0.0.2>;tag=a1",
		"To: <sip:bob@127.0.0.1>",
		"Call-ID: clmismatch-1",
		"CSeq: 1 OPTIONS",
		"Content-Length: 500",
		"",
		"short body",
	}, "\r\n")

	handled := false
	tr.parseAndHandle(conn, []byte(raw), "127.0.0.2:5060", func(msg Message) { handled = true })

	require.False(t, handled, "mismatched request must not reach the core")

	res, err := ParseMessage(out.Bytes())
	require.NoError(t, err)
	require.Equal(t, StatusBadRequest, res.(*Response).StatusCode)
}
