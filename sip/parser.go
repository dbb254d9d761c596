package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// The whitespace characters recognised by the Augmented Backus-Naur Form syntax
// that SIP uses (RFC 3261 S.25).
const abnfWs = " \t"

// The maximum permissible CSeq number in a SIP message (2**31 - 1).
// C.f. RFC 3261 S. 8.1.1.5.
const maxCseq = 2147483647

var (
	ErrParseInvalidMessage = fmt.Errorf("invalid SIP message: %w", ErrParseError)
	ErrParseLineNoCRLF     = fmt.Errorf("line has no CRLF: %w", ErrParseInvalidMessage)
	ErrMessageTooLarge     = errors.New("message exceeds maximum message length")

	// Stream parse errors
	ErrParseSipPartial         = errors.New("SIP partial data")
	ErrParseReadBodyIncomplete = errors.New("reading body incomplete")
	ErrParseMoreMessages       = errors.New("Stream has more message")
)

var bufReader = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		return new(bytes.Buffer)
	},
}

func ParseMessage(msgData []byte) (Message, error) {
	parser := NewParser()
	return parser.ParseSIP(msgData)
}

// Parser is implementation of SIPParser
// It is optimized with faster header parsing
type Parser struct {
	log *slog.Logger
	// HeadersParsers uses default list of headers to be parsed. Smaller list parser will be faster
	headersParsers HeadersParser

	// MaxMessageLength bounds a single message (start line, headers and
	// body) read from a stream. The length is checked once the message has
	// been read in full: ParseNext then returns it together with
	// ErrMessageTooLarge, and ParseSIPStream does not pass it to its callback.
	MaxMessageLength int

	// validateSDP runs ValidateSDPBody on any application/sdp body parsed
	// from the wire. Off by default: it is an extra allocation/parse on
	// every INVITE/UPDATE/200 and most embedders already validate SDP in
	// their media layer.
	validateSDP bool
}

// ParserOption are addition option for NewParser. Check WithParser...
type ParserOption func(p *Parser)

// Create a new Parser.
func NewParser(options ...ParserOption) *Parser {
	p := &Parser{
		log:              DefaultLogger().With("caller", "Parser"),
		headersParsers:   headersParsers,
		MaxMessageLength: 65535,
	}

	for _, o := range options {
		o(p)
	}

	return p
}

// WithParserLogger allows customizing parser logger
func WithParserLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) {
		p.log = logger
	}
}

// WithParserSDPValidation enables syntax-only validation of application/sdp
// bodies via ValidateSDPBody. A malformed body makes ParseSIP return an
// error wrapping ErrProtocolViolation; the message itself is still fully
// parsed up to that point.
func WithParserSDPValidation(enabled bool) ParserOption {
	return func(p *Parser) {
		p.validateSDP = enabled
	}
}

// WithHeadersParsers allows customizing parser headers parsers
// Consider performance when adding custom parser.
// Add only if it will appear in almost every message
//
// Check DefaultHeadersParser as starting point
func WithHeadersParsers(m map[string]HeaderParser) ParserOption {
	return func(p *Parser) {
		p.headersParsers = m
	}
}

// ParseSIP converts data to sip message. Buffer must contain full sip message
func (p *Parser) ParseSIP(data []byte) (msg Message, err error) {
	reader := bufReader.Get().(*bytes.Buffer)
	defer bufReader.Put(reader)
	reader.Reset()
	reader.Write(data)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}

	msg, err = ParseLine(startLine)
	if err != nil {
		return nil, err
	}

	// Headers may span multiple lines (RFC 3261 §7.3.1): a line starting
	// with SP/HT continues the previous header. Accumulate until the next
	// non-continuation line before parsing.
	var headerLine string
	flushHeader := func() error {
		if headerLine == "" {
			return nil
		}
		err := p.headersParsers.parseMsgHeader(msg, headerLine)
		headerLine = ""
		return err
	}

	for {
		line, err := nextLine(reader)

		if err != nil {
			if err == io.EOF {
				return nil, ErrParseInvalidMessage
			}
			return nil, err
		}

		if len(line) == 0 {
			// We've hit the end of the header section.
			if err := flushHeader(); err != nil {
				return nil, fmt.Errorf("parsing header failed: %s: %w", err, ErrParseInvalidMessage)
			}
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			headerLine += " " + strings.TrimLeft(line, " \t")
			continue
		}

		if err := flushHeader(); err != nil {
			return nil, fmt.Errorf("parsing header failed: %s: %w", err, ErrParseInvalidMessage)
		}
		headerLine = line
	}

	contentLength := getBodyLength(data)

	// RFC 3261 §18.3: a datagram carrying more octets than Content-Length
	// indicates has the excess discarded; fewer octets than indicated is a
	// framing error. The message shell is returned alongside the error so
	// transports can answer 400 statelessly.
	if hdr := msg.ContentLength(); hdr != nil {
		declared := int(*hdr)
		if declared < contentLength {
			contentLength = declared
		} else if declared > max(contentLength, 0) {
			return msg, fmt.Errorf("declared Content-Length %d exceeds body of %d bytes: %w", declared, max(contentLength, 0), ErrParseError)
		}
	}

	if contentLength <= 0 {
		return msg, nil
	}

	// p.log.Debugf("%s reads body with length = %d bytes", p, contentLength)
	body := make([]byte, contentLength)
	total, err := reader.Read(body)
	if err != nil {
		return nil, fmt.Errorf("read message body failed: %w", err)
	}
	// RFC 3261 - 18.3.
	if total != contentLength {
		return nil, fmt.Errorf(
			"incomplete message body: read %d bytes, expected %d bytes",
			len(body),
			contentLength,
		)
	}

	// Should we trim this?
	// if len(bytes.TrimSpace(body)) > 0 {
	if len(body) > 0 {
		msg.SetBody(body)
	}

	if p.validateSDP && isSDPContentType(msg.ContentType()) {
		if err := ValidateSDPBody(body); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// NewSIPStream implements SIP parsing contructor for stream
// should be called per single stream
func (p *Parser) NewSIPStream() *ParserStream {
	return &ParserStream{
		p: p, // safe as it is read only
	}
}

// parseStartLine reads the CRLF terminated start line at the beginning of
// data and returns the message shell plus the number of bytes consumed. In
// stream mode a missing CRLF reports io.ErrUnexpectedEOF so the caller can
// wait for more data instead of failing.
func (p *Parser) parseStartLine(data []byte, stream bool) (Message, int, error) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		if stream {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, ErrParseLineNoCRLF
	}

	msg, err := ParseLine(string(data[:idx]))
	if err != nil {
		return nil, 0, err
	}
	return msg, idx + 2, nil
}

// errParseNoMoreHeaders reports the empty line ending the header section.
var errParseNoMoreHeaders = errors.New("no more headers")

// parseNextHeader parses the next header line in data, unfolding any
// continuation lines (RFC 3261 §7.3.1), and appends the result to out. Only
// complete lines are consumed: io.ErrUnexpectedEOF with zero consumed bytes
// means the line, or a possible continuation of it, has not fully arrived.
// The empty line terminating the header section is consumed and reported as
// errParseNoMoreHeaders.
func (p *Parser) parseNextHeader(out []Header, data []byte) ([]Header, int, error) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		return out, 0, io.ErrUnexpectedEOF
	}
	if idx == 0 {
		return out, 2, errParseNoMoreHeaders
	}

	n := idx + 2
	line := data[:idx]
	var folded []byte
	for {
		if n >= len(data) {
			// Cannot tell yet whether a continuation line follows
			return out, 0, io.ErrUnexpectedEOF
		}
		if data[n] != ' ' && data[n] != '\t' {
			break
		}
		next := bytes.Index(data[n:], []byte("\r\n"))
		if next < 0 {
			return out, 0, io.ErrUnexpectedEOF
		}
		if folded == nil {
			folded = append(folded, line...)
		}
		folded = append(folded, ' ')
		folded = append(folded, bytes.TrimLeft(data[n:n+next], " \t")...)
		n += next + 2
	}
	if folded != nil {
		line = folded
	}

	out, err := p.headersParsers.ParseHeader(out, line)
	return out, n, err
}

func ParseLine(startLine string) (msg Message, err error) {
	if isRequest(startLine) {
		recipient := Uri{}
		method, sipVersion, err := ParseRequestLine(startLine, &recipient)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", err, ErrParseInvalidMessage)
		}

		m := NewRequest(method, recipient)
		m.SipVersion = sipVersion
		return m, nil
	}

	if isResponse(startLine) {
		sipVersion, statusCode, reason, err := ParseStatusLine(startLine)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", err, ErrParseInvalidMessage)
		}

		m := NewResponse(int(statusCode), reason)
		m.SipVersion = sipVersion
		return m, nil
	}
	return nil, fmt.Errorf("transmission beginning '%s' is not a SIP message: %w", startLine, ErrParseInvalidMessage)
}

// nextLine should read until it hits CRLF
// ErrParseLineNoCRLF -> could not find CRLF in line
//
// https://datatracker.ietf.org/doc/html/rfc3261#section-7
// empty line MUST be
// terminated by a carriage-return line-feed sequence (CRLF).  Note that
// the empty line MUST be present even if the message-body is not.
func nextLine(reader *bytes.Buffer) (line string, err error) {
	// https://www.rfc-editor.org/rfc/rfc3261.html#section-7
	// The start-line, each message-header line, and the empty line MUST be
	// terminated by a carriage-return line-feed sequence (CRLF).  Note that
	// the empty line MUST be present even if the message-body is not.
	//
	// A lone LF does not terminate a line; keep reading until CRLF or the
	// buffer runs out, in which case the io.EOF is surfaced to the caller.
	var sb strings.Builder
	for {
		part, err := reader.ReadString('\n')
		sb.WriteString(part)
		if err != nil {
			return sb.String(), err
		}

		s := sb.String()
		if l := len(s); l >= 2 && s[l-2] == '\r' {
			return s[:l-2], nil
		}
	}
}

// Calculate the size of a SIP message's body, given the entire contents of the message as a byte array.
func getBodyLength(data []byte) int {
	// Body starts with first character following a double-CRLF.
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx == -1 {
		return -1
	}

	bodyStart := idx + 4

	return len(data) - bodyStart
}

// Heuristic to determine if the given transmission looks like a SIP request.
// It is guaranteed that any RFC3261-compliant request will pass this test,
// but invalid messages may not necessarily be rejected.
func isRequest(startLine string) bool {
	// SIP request lines contain precisely two spaces.
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}

	// part0 := startLine[:ind]
	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	part2 := startLine[ind+1+ind1+1:]
	ind2 := strings.IndexRune(part2, ' ')
	if ind2 >= 0 {
		return false
	}

	if len(part2) < 3 {
		return false
	}

	return UriIsSIP(part2[:3])
}

// Heuristic to determine if the given transmission looks like a SIP response.
// It is guaranteed that any RFC3261-compliant response will pass this test,
// but invalid messages may not necessarily be rejected.
func isResponse(startLine string) bool {
	// SIP status lines contain at least two spaces.
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}

	// part0 := startLine[:ind]
	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	return UriIsSIP(startLine[:3])
}

// Parse the first line of a SIP request, e.g:
//
//	INVITE bob@example.com SIP/2.0
//	REGISTER jane@telco.com SIP/1.0
func ParseRequestLine(requestLine string, recipient *Uri) (
	method RequestMethod, sipVersion string, err error) {
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		err = fmt.Errorf("request line should have 2 spaces: '%s'", requestLine)
		return
	}

	method = RequestMethod(strings.ToUpper(parts[0]))
	err = ParseUri(parts[1], recipient)
	sipVersion = parts[2]

	if recipient.Wildcard {
		err = fmt.Errorf("wildcard URI '*' not permitted in request line: '%s'", requestLine)
		return
	}

	return
}

// Parse the first line of a SIP response, e.g:
//
//	SIP/2.0 200 OK
//	SIP/1.0 403 Forbidden
func ParseStatusLine(statusLine string) (
	sipVersion string, statusCode StatusCode, reasonPhrase string, err error) {
	parts := strings.Split(statusLine, " ")
	if len(parts) < 3 {
		err = fmt.Errorf("status line has too few spaces: '%s'", statusLine)
		return
	}

	sipVersion = parts[0]
	statusCodeRaw, err := strconv.ParseUint(parts[1], 10, 16)
	statusCode = StatusCode(statusCodeRaw)
	reasonPhrase = strings.Join(parts[2:], " ")

	return
}
