package sipstack

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/corewire/sipstack/sip"
)

// UserAgent holds common core parts used by Client and Server.
// It owns the transport and transaction layers of the stack and is shared
// between Client and Server handles via embedding.
type UserAgent struct {
	name     string
	ip       net.IP
	hostname string
	port     int

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config

	tp *sip.TransportLayer
	tx *sip.TransactionLayer
}

type UserAgentOption func(s *UserAgent) error

// WithUserAgent sets the "User-Agent" name used when building requests.
func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithUserAgentIP forces resolving IP for hostname or IP of UserAgent.
// This is used in case UserAgent IP and related defaults must be different than retrieved by
// net.InterfaceAddrs
func WithUserAgentIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			host = ip
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

// WithUserAgentHostname sets the default hostname used for Via/From/Contact
// construction, independent of IP resolution.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.hostname = hostname
		return nil
	}
}

// WithUserAgentDNSResolver allows customizing default DNS resolver for SRV/NAPTR/A lookups.
func WithUserAgentDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUserAgentTLSConfig sets default TLS config used by TLS/WSS transports
// added by ListenAndServeTLS or outbound sips:/wss: resolution.
func WithUserAgentTLSConfig(conf *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = conf
		return nil
	}
}

// WithUserAgenUDPDNSResolver forces DNS resolution of this UserAgent to go over specific DNS server
func WithUserAgenUDPDNSResolver(dns string) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

// NewUA creates a new UserAgent handle. It wraps the transport and
// transaction layer into single handle for easier managing the state.
// For client or server side use NewClient or NewServer with this UA.
func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{
		name: "sipstack",
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	parser := sip.NewParser()
	s.tp = sip.NewTransportLayer(s.dnsResolver, parser, s.tlsConfig)
	s.tx = sip.NewTransactionLayer(s.tp)
	return s, nil
}

func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	if ua.hostname == "" {
		ua.hostname = strings.Split(ip.String(), ":")[0]
	}
	return nil
}

// TransportLayer returns the UA's transport layer. Useful for adding extra listeners
// or passing a custom transport.
func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}

// TransactionLayer returns the UA's transaction layer.
func (ua *UserAgent) TransactionLayer() *sip.TransactionLayer {
	return ua.tx
}

// Close shuts down the transport and transaction layers owned by this UserAgent.
// Client and Server handles built on top share this UA and must not be used afterwards.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}
