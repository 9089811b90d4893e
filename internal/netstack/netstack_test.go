package netstack

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
)

// newStackPair builds two stacks cross-wired at the frame level: one playing
// the host, one playing the guest's network stack.
func newStackPair(t *testing.T, hostCfg Config) (host, guest *Stack) {
	t.Helper()

	hostIP := net.IPv4(10, 42, 0, 1)
	guestIP := net.IPv4(10, 42, 0, 2)

	hostCfg.HostIP = hostIP
	hostCfg.GuestIP = guestIP
	host, err := New(hostCfg)
	if err != nil {
		t.Fatalf("host stack: %v", err)
	}

	guest, err = New(Config{
		HostIP:  guestIP,
		GuestIP: hostIP,
		HostMAC: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	})
	if err != nil {
		host.Close()
		t.Fatalf("guest stack: %v", err)
	}

	host.SetReceiver(func(frame []byte) { _ = guest.WriteFrame(frame) })
	guest.SetReceiver(func(frame []byte) { _ = host.WriteFrame(frame) })

	if err := host.Start(); err != nil {
		t.Fatalf("starting host stack: %v", err)
	}
	if err := guest.Start(); err != nil {
		t.Fatalf("starting guest stack: %v", err)
	}
	t.Cleanup(func() {
		host.Close()
		guest.Close()
	})
	return host, guest
}

func TestGuestDialsHostService(t *testing.T) {
	host, guest := newStackPair(t, Config{})

	ln, err := host.ListenTCP(8080)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The guest stack dials its gateway, which is the host stack.
	conn, err := guest.DialGuestTCP(ctx, 8080)
	if err != nil {
		t.Fatalf("guest dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("guest write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("guest read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}
}

func TestHostDialsGuestService(t *testing.T) {
	host, guest := newStackPair(t, Config{})

	ln, err := guest.ListenTCP(7070)
	if err != nil {
		t.Fatalf("guest ListenTCP: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("hello"))
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := host.DialGuestTCP(ctx, 7070)
	if err != nil {
		t.Fatalf("DialGuestTCP: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("host read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("payload = %q", got)
	}
}

func TestDNSStaticRecord(t *testing.T) {
	host, guest := newStackPair(t, Config{EnableDNS: true})

	if err := host.AddDNSRecord("svc.internal", net.IPv4(10, 42, 0, 50)); err != nil {
		t.Fatalf("AddDNSRecord: %v", err)
	}

	hostAddr, err := addrFrom4(host.HostIP())
	if err != nil {
		t.Fatalf("addrFrom4: %v", err)
	}
	udpConn, err := gonet.DialUDP(guest.gs, nil, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: hostAddr,
		Port: 53,
	}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("guest udp dial: %v", err)
	}
	defer udpConn.Close()

	query := new(dns.Msg)
	query.SetQuestion("svc.internal.", dns.TypeA)

	dc := &dns.Conn{Conn: udpConn}
	udpConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := dc.WriteMsg(query); err != nil {
		t.Fatalf("writing query: %v", err)
	}
	resp, err := dc.ReadMsg()
	if err != nil {
		t.Fatalf("reading answer: %v", err)
	}

	if len(resp.Answer) != 1 {
		t.Fatalf("answers = %d, want 1", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer type = %T", resp.Answer[0])
	}
	if !a.A.Equal(net.IPv4(10, 42, 0, 50)) {
		t.Errorf("answer = %v", a.A)
	}
}

func TestDNSUnknownNameWithoutUpstream(t *testing.T) {
	host, guest := newStackPair(t, Config{EnableDNS: true})

	hostAddr, err := addrFrom4(host.HostIP())
	if err != nil {
		t.Fatalf("addrFrom4: %v", err)
	}
	udpConn, err := gonet.DialUDP(guest.gs, nil, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: hostAddr,
		Port: 53,
	}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("guest udp dial: %v", err)
	}
	defer udpConn.Close()

	query := new(dns.Msg)
	query.SetQuestion("nosuch.example.", dns.TypeA)

	dc := &dns.Conn{Conn: udpConn}
	udpConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := dc.WriteMsg(query); err != nil {
		t.Fatalf("writing query: %v", err)
	}
	resp, err := dc.ReadMsg()
	if err != nil {
		t.Fatalf("reading answer: %v", err)
	}
	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("rcode = %d, want NXDOMAIN", resp.Rcode)
	}
}

func TestOutboundUDPProxy(t *testing.T) {
	echo, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer echo.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := echo.ReadFrom(buf)
			if err != nil {
				return
			}
			echo.WriteTo(buf[:n], addr)
		}
	}()

	_, guest := newStackPair(t, Config{AllowOutbound: true})

	dstAddr, err := addrFrom4(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatalf("addrFrom4: %v", err)
	}
	udpConn, err := gonet.DialUDP(guest.gs, nil, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: dstAddr,
		Port: uint16(echo.LocalAddr().(*net.UDPAddr).Port),
	}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("guest udp dial: %v", err)
	}
	defer udpConn.Close()

	// UDP gives no delivery guarantee while the proxy flow is being set
	// up, so retry the datagram a few times.
	buf := make([]byte, 2048)
	for attempt := 0; attempt < 5; attempt++ {
		if _, err := udpConn.Write([]byte("ping")); err != nil {
			t.Fatalf("guest write: %v", err)
		}
		udpConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := udpConn.Read(buf)
		if err != nil {
			continue
		}
		if string(buf[:n]) != "ping" {
			t.Fatalf("echo = %q", buf[:n])
		}
		return
	}
	t.Fatal("no echo reply through the outbound proxy")
}

func TestAddDNSRecordValidation(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.AddDNSRecord("x", net.IPv4(1, 2, 3, 4)); err == nil {
		t.Error("record accepted with DNS disabled")
	}
}

// syncBuffer is a mutex-guarded bytes.Buffer; capture writes race with the
// test's reads otherwise.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestFrameCapture(t *testing.T) {
	var capture syncBuffer
	host, guest := newStackPair(t, Config{Capture: &capture})

	ln, err := host.ListenTCP(9090)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := guest.DialGuestTCP(ctx, 9090)
	if err != nil {
		t.Fatalf("guest dial: %v", err)
	}
	conn.Close()

	data := capture.snapshot()
	if len(data) < 24 {
		t.Fatalf("capture has %d bytes, want at least the file header", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 0xa1b2c3d4 {
		t.Fatalf("capture magic = %#x", got)
	}

	// Walk the records; the handshake alone produces several frames. The
	// last record may still be mid-write, so a short tail is fine.
	records := 0
	rest := data[24:]
	for len(rest) >= 16 {
		captured := binary.LittleEndian.Uint32(rest[8:12])
		if int(captured) > len(rest)-16 {
			break
		}
		rest = rest[16+captured:]
		records++
	}
	if records < 3 {
		t.Errorf("captured %d frames, want at least the TCP handshake", records)
	}
}
