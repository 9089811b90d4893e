package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// dnsServer answers guest A queries from a static table, falling back to the
// host resolver when outbound access is allowed.
type dnsServer struct {
	log      *slog.Logger
	server   *dns.Server
	upstream bool

	mu      sync.Mutex
	records map[string]net.IP
}

func newDNSServer(logger *slog.Logger, upstream bool, pc net.PacketConn) *dnsServer {
	srv := &dnsServer{
		log:      logger,
		upstream: upstream,
		records:  make(map[string]net.IP),
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleQuery)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: pc,
	}
	return srv
}

// addRecord installs a static A record.
func (s *dnsServer) addRecord(name string, ip net.IP) {
	s.mu.Lock()
	s.records[dns.Fqdn(strings.ToLower(name))] = ip
	s.mu.Unlock()
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns server exited", "error", err)
		}
	}()
}

func (s *dnsServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.server.ShutdownContext(ctx)
	if s.server.PacketConn != nil {
		_ = s.server.PacketConn.Close()
	}
}

func (s *dnsServer) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ip, err := s.lookup(q.Name)
		if err != nil {
			s.log.Debug("dns lookup failed", "name", q.Name, "error", err)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ip))
		if err != nil {
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	_ = w.WriteMsg(m)
}

func (s *dnsServer) lookup(name string) (net.IP, error) {
	s.mu.Lock()
	ip, ok := s.records[strings.ToLower(name)]
	s.mu.Unlock()
	if ok {
		return ip, nil
	}
	if !s.upstream {
		return nil, fmt.Errorf("unknown name %q", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", strings.TrimSuffix(name, "."))
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %q", name)
	}
	return addrs[0], nil
}

// AddDNSRecord installs a static A record served to the guest.
func (s *Stack) AddDNSRecord(name string, ip net.IP) error {
	if s.dns == nil {
		return errors.New("dns server not enabled")
	}
	if ip.To4() == nil {
		return fmt.Errorf("not an IPv4 address: %v", ip)
	}
	s.dns.addRecord(name, ip)
	return nil
}
