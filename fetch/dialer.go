package fetch

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

const dnsTimeout = 5 * time.Second

// Dialer resolves a hostname to a bounded set of candidate addresses,
// validates each against the private address policy, and races
// concurrent connection attempts. The first to complete wins.
type Dialer struct {
	resolver       *net.Resolver
	connectTimeout time.Duration
	allowPrivate   bool
	exceptions     []netip.Prefix
}

func NewDialer(connectTimeout time.Duration, allowPrivate bool, exceptions []netip.Prefix) *Dialer {
	return &Dialer{
		resolver:       net.DefaultResolver,
		connectTimeout: connectTimeout,
		allowPrivate:   allowPrivate,
		exceptions:     exceptions,
	}
}

func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	candidates, err := d.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.Errorf("no address for %s", host)
	}

	// Every candidate is validated before any connect is attempted, so
	// one allowed address can never mask a forbidden one for the same
	// host.
	for _, candidate := range candidates {
		if err := d.checkPrivateAddress(candidate, host); err != nil {
			return nil, err
		}
	}

	return d.race(ctx, candidates, port)
}

func (d *Dialer) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hostname %s", host)
	}

	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := d.resolver.LookupNetIP(ctx, "ip", ascii)
	if err != nil {
		return nil, err
	}

	// At most two per address family, IPv6 preferred.
	var v6, v4 []netip.Addr
	for _, addr := range addrs {
		addr = addr.Unmap()
		if addr.Is6() && len(v6) < 2 {
			v6 = append(v6, addr)
		} else if addr.Is4() && len(v4) < 2 {
			v4 = append(v4, addr)
		}
	}

	return append(v6, v4...), nil
}

func (d *Dialer) checkPrivateAddress(addr netip.Addr, host string) error {
	if d.allowPrivate {
		return nil
	}
	for _, prefix := range d.exceptions {
		if prefix.Contains(addr) {
			return nil
		}
	}
	if isPrivateAddress(addr) {
		return &PrivateNetworkAddressError{Host: host}
	}
	return nil
}

func isPrivateAddress(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsUnspecified()
}

// race starts a non-blocking connect per candidate and returns the
// first that completes; the rest are closed. If every attempt errors
// out the last error surfaces; if none finishes in time the result is
// a TimeoutError.
func (d *Dialer) race(ctx context.Context, candidates []netip.Addr, port string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}

	results := make(chan result, len(candidates))
	for _, candidate := range candidates {
		go func(candidate netip.Addr) {
			dialer := net.Dialer{}
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(candidate.String(), port))
			results <- result{conn, err}
		}(candidate)
	}

	var lastErr error
	for received := 0; received < len(candidates); received++ {
		select {
		case res := <-results:
			if res.err == nil {
				// Winner. Close stragglers as they finish.
				cancel()
				remaining := len(candidates) - received - 1
				go func() {
					for i := 0; i < remaining; i++ {
						if straggler := <-results; straggler.conn != nil {
							straggler.conn.Close()
						}
					}
				}()
				if tcp, ok := res.conn.(*net.TCPConn); ok {
					tcp.SetNoDelay(true)
				}
				return res.conn, nil
			}
			lastErr = res.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TimeoutError{Op: "connect", Seconds: d.connectTimeout.Seconds()}
			}
			return nil, ctx.Err()
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, &TimeoutError{Op: "connect", Seconds: d.connectTimeout.Seconds()}
	}
	return nil, lastErr
}
