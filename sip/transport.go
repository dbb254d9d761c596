package sip

import (
	"context"
	"net"
	"strconv"
)

var (
	// IdleConnection will keep connections idle even after transaction terminate
	// -1 	- single response or request will close
	// 0 	- close connection immediatelly after transaction terminate
	// 1 	- keep connection idle after transaction termination
	IdleConnection int = 1
)

const (
	transportBufferSize uint16 = 65535

	// TransportBufferReadSize is the read buffer size used by the read loops
	// of all transports (UDP, TCP, TLS, WS, WSS).
	TransportBufferReadSize uint16 = 65535

	// TransportFixedLengthMessage sets message size limit for parsing and avoids stream parsing
	TransportFixedLengthMessage uint16 = 0
)

// transport implements network specific features. Each concrete
// Transport{UDP,TCP,TLS,WS,WSS} type satisfies this.
type transport interface {
	Network() string

	// GetConnection returns connection from transport
	// addr must be resolved to IP:port
	GetConnection(addr string) Connection
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error)
	String() string
	Close() error
}

// Addr is resolved network address used by the transport layer. Port is
// always set; Hostname keeps the original (possibly unresolved) host for
// building sent-by/received parameters, and Zone carries an IPv6 zone id
// when the resolver returns one.
type Addr struct {
	IP       net.IP // Must be in IP format
	Hostname string
	Port     int
	Zone     string
}

func (a *Addr) String() string {
	host := a.Hostname
	if a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

// parseAddr fills a from a "host:port" string. The host is kept as
// Hostname and additionally parsed as an IP literal when it is one.
func (a *Addr) parseAddr(addr string) error {
	host, port, err := ParseAddr(addr)
	if err != nil {
		return err
	}
	a.Hostname = host
	a.IP = net.ParseIP(host)
	a.Port = port
	return nil
}

// Copy copies this addr onto dst.
func (a *Addr) Copy(dst *Addr) {
	dst.IP = a.IP
	dst.Hostname = a.Hostname
	dst.Port = a.Port
	dst.Zone = a.Zone
}

func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}

	// In case we are dealing with some named ports this should be called
	// net.LookupPort(network)

	port, err = strconv.Atoi(pstr)
	return host, port, err
}

// DefaultPort returns the RFC 3261/3263 default port for the given
// transport network. network is matched case sensitively against the
// literal forms used across the package ("udp", "UDP", ...).
func DefaultPort(network string) int {
	switch network {
	case "tls", "TLS", "wss", "WSS":
		return 5061
	default:
		return 5060
	}
}
