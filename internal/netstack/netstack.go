// Package netstack provides the host side of the guest network: a gVisor
// userspace TCP/IP stack bridged to a virtio-net device. Guest traffic
// terminates here; outbound flows are proxied onto the host network when
// allowed.
package netstack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cratevm/crate/internal/pcap"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	nicID tcpip.NICID = 1

	linkMTU = 1500

	channelQueueLen = 1024

	// tcpRcvWindow and tcpMaxInFlight size the forwarder that proxies
	// outbound guest connections.
	tcpRcvWindow   = 256 * 1024
	tcpMaxInFlight = 1024

	outboundDialTimeout = 10 * time.Second
)

// Config describes the synthetic network.
type Config struct {
	// HostIP is the stack's own address, the guest's gateway. Defaults to
	// 10.42.0.1.
	HostIP net.IP
	// GuestIP is the address the guest is expected to configure. Defaults
	// to 10.42.0.2.
	GuestIP net.IP
	// HostMAC is the stack's link address.
	HostMAC net.HardwareAddr
	// AllowOutbound proxies guest connections onto the host network.
	AllowOutbound bool
	// EnableDNS serves DNS on the host address.
	EnableDNS bool
	// Capture, when non-nil, receives every frame in libpcap format.
	Capture io.Writer

	Logger *slog.Logger
}

// Stack is the host network stack. It implements the frame-level backend
// contract of the virtio-net device.
type Stack struct {
	cfg Config
	log *slog.Logger

	gs *stack.Stack
	ch *channel.Endpoint

	mu      sync.Mutex
	deliver func(frame []byte)
	cancel  context.CancelFunc
	done    sync.WaitGroup
	capture *pcap.Writer

	dns *dnsServer
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("not an IPv4 address: %v", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// New builds the stack. Start must be called before frames flow.
func New(cfg Config) (*Stack, error) {
	if cfg.HostIP == nil {
		cfg.HostIP = net.IPv4(10, 42, 0, 1)
	}
	if cfg.GuestIP == nil {
		cfg.GuestIP = net.IPv4(10, 42, 0, 2)
	}
	if cfg.HostMAC == nil {
		cfg.HostMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hostAddr, err := addrFrom4(cfg.HostIP)
	if err != nil {
		return nil, err
	}

	ch := channel.New(channelQueueLen, linkMTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(cfg.HostMAC)))
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	s := &Stack{
		cfg: cfg,
		log: cfg.Logger.With("component", "netstack"),
		gs:  gs,
		ch:  ch,
	}

	if terr := gs.CreateNIC(nicID, ethernet.New(ch)); terr != nil {
		return nil, fmt.Errorf("creating NIC: %s", terr)
	}
	if terr := gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   hostAddr,
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); terr != nil {
		return nil, fmt.Errorf("adding host address: %s", terr)
	}
	gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})

	if cfg.AllowOutbound {
		// Accept flows to any destination so they can be proxied out.
		if terr := gs.SetPromiscuousMode(nicID, true); terr != nil {
			return nil, fmt.Errorf("enabling promiscuous mode: %s", terr)
		}
		if terr := gs.SetSpoofing(nicID, true); terr != nil {
			return nil, fmt.Errorf("enabling spoofing: %s", terr)
		}
		s.installForwarders()
	}

	if cfg.Capture != nil {
		s.capture, err = pcap.NewWriter(cfg.Capture, pcap.LinkEthernet, 0)
		if err != nil {
			return nil, err
		}
	}

	if cfg.EnableDNS {
		pc, err := s.listenUDP(53)
		if err != nil {
			return nil, fmt.Errorf("binding DNS socket: %w", err)
		}
		s.dns = newDNSServer(s.log, cfg.AllowOutbound, pc)
	}

	return s, nil
}

// HostIP returns the stack's address.
func (s *Stack) HostIP() net.IP { return s.cfg.HostIP }

// GuestIP returns the address the guest should use.
func (s *Stack) GuestIP() net.IP { return s.cfg.GuestIP }

// SetReceiver registers the frame sink toward the guest.
func (s *Stack) SetReceiver(deliver func(frame []byte)) {
	s.mu.Lock()
	s.deliver = deliver
	s.mu.Unlock()
}

// capturePacket records one frame. A write failure disables capture rather
// than failing traffic.
func (s *Stack) capturePacket(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return
	}
	if err := s.capture.WritePacket(time.Now(), frame); err != nil {
		s.log.Warn("frame capture failed, disabling", "error", err)
		s.capture = nil
	}
}

// WriteFrame injects a guest frame into the stack.
func (s *Stack) WriteFrame(frame []byte) error {
	s.capturePacket(frame)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the header itself; the protocol
	// argument is unused.
	s.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// Start begins moving stack output toward the guest.
func (s *Stack) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done.Add(1)
	go s.readLoop(ctx)

	if s.dns != nil {
		s.dns.start()
	}
	return nil
}

// Stop halts frame delivery. The stack can be restarted.
func (s *Stack) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.done.Wait()
	}
	return nil
}

// Close tears the stack down.
func (s *Stack) Close() error {
	if s.dns != nil {
		s.dns.stop()
	}
	_ = s.Stop()
	s.ch.Close()
	s.gs.Close()
	return nil
}

func (s *Stack) readLoop(ctx context.Context) {
	defer s.done.Done()

	for {
		pkt := s.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		s.capturePacket(frame)

		s.mu.Lock()
		deliver := s.deliver
		s.mu.Unlock()
		if deliver != nil {
			deliver(frame)
		}
	}
}

// installForwarders proxies guest-initiated TCP and UDP flows onto the host
// network.
func (s *Stack) installForwarders() {
	tcpFwd := tcp.NewForwarder(s.gs, tcpRcvWindow, tcpMaxInFlight, func(r *tcp.ForwarderRequest) {
		id := r.ID()
		target := net.JoinHostPort(id.LocalAddress.String(), fmt.Sprint(id.LocalPort))

		outbound, err := net.DialTimeout("tcp", target, outboundDialTimeout)
		if err != nil {
			s.log.Debug("outbound dial failed", "target", target, "error", err)
			r.Complete(true)
			return
		}

		var wq waiter.Queue
		ep, terr := r.CreateEndpoint(&wq)
		if terr != nil {
			s.log.Debug("accepting guest flow failed", "target", target, "error", terr)
			outbound.Close()
			r.Complete(true)
			return
		}
		r.Complete(false)

		go proxyConns(gonet.NewTCPConn(&wq, ep), outbound)
	})
	s.gs.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(s.gs, func(r *udp.ForwarderRequest) bool {
		id := r.ID()
		target := net.JoinHostPort(id.LocalAddress.String(), fmt.Sprint(id.LocalPort))

		var wq waiter.Queue
		ep, terr := r.CreateEndpoint(&wq)
		if terr != nil {
			s.log.Debug("accepting guest datagram flow failed", "target", target, "error", terr)
			return false
		}

		outbound, err := net.Dial("udp", target)
		if err != nil {
			s.log.Debug("outbound udp dial failed", "target", target, "error", err)
			ep.Close()
			return true
		}

		go proxyConns(gonet.NewUDPConn(&wq, ep), outbound)
		return true
	})
	s.gs.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)
}

func proxyConns(a, b net.Conn) {
	var g errgroup.Group
	g.Go(func() error {
		defer b.Close()
		copyConn(b, a)
		return nil
	})
	g.Go(func() error {
		defer a.Close()
		copyConn(a, b)
		return nil
	})
	_ = g.Wait()
}

func copyConn(dst, src net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// ListenTCP binds a host service on the stack, reachable from the guest.
func (s *Stack) ListenTCP(port uint16) (net.Listener, error) {
	hostAddr, err := addrFrom4(s.cfg.HostIP)
	if err != nil {
		return nil, err
	}
	return gonet.ListenTCP(s.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: hostAddr,
		Port: port,
	}, ipv4.ProtocolNumber)
}

// DialGuestTCP connects from the host to a service inside the guest.
func (s *Stack) DialGuestTCP(ctx context.Context, port uint16) (net.Conn, error) {
	guestAddr, err := addrFrom4(s.cfg.GuestIP)
	if err != nil {
		return nil, err
	}
	return gonet.DialContextTCP(ctx, s.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: guestAddr,
		Port: port,
	}, ipv4.ProtocolNumber)
}

func (s *Stack) listenUDP(port uint16) (net.PacketConn, error) {
	hostAddr, err := addrFrom4(s.cfg.HostIP)
	if err != nil {
		return nil, err
	}
	return gonet.DialUDP(s.gs, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: hostAddr,
		Port: port,
	}, nil, ipv4.ProtocolNumber)
}
