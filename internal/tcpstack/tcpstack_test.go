package tcpstack_test

import (
	"context"
	"testing"
	"time"

	"github.com/malbeclabs/netstack/internal/arp"
	"github.com/malbeclabs/netstack/internal/device"
	"github.com/malbeclabs/netstack/internal/device/memdev"
	"github.com/malbeclabs/netstack/internal/ipaddr"
	"github.com/malbeclabs/netstack/internal/ipv4"
	"github.com/malbeclabs/netstack/internal/tcpstack"
)

// endpoint bundles one side of a link-connected TCP/IP stack for tests.
// iface is the same *Interface the ipv4 stack hands to TCP on receive, since
// control-block lookup compares interfaces by pointer.
type endpoint struct {
	iface *ipv4.Interface
	ip    *ipv4.Stack
	tcp   *tcpstack.Stack
}

// newTestPair wires two endpoints over an in-memory Ethernet link, each
// seeded with the other's hardware address so Connect/accept never
// blocks on a real ARP exchange.
func newTestPair(t *testing.T) (ctx context.Context, a, b endpoint) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	link := memdev.NewLink(
		device.HardwareAddr{0, 0, 0, 0, 0, 1},
		device.HardwareAddr{0, 0, 0, 0, 0, 2},
		1500,
	)
	devA := device.New(link.A(), nil)
	devB := device.New(link.B(), nil)
	if err := devA.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := devB.Open(ctx); err != nil {
		t.Fatal(err)
	}

	addrA := ipaddr.Addr{10, 0, 0, 1}
	addrB := ipaddr.Addr{10, 0, 0, 2}
	mask := ipaddr.Addr{255, 255, 255, 0}

	resA := arp.New(devA, nil)
	resB := arp.New(devB, nil)
	resA.Seed(addrB, devB.Addr())
	resB.Seed(addrA, devA.Addr())

	ifaceA := ipv4.NewInterface(addrA, mask, addrA, devA)
	ifaceB := ipv4.NewInterface(addrB, mask, addrB, devB)

	ipA := ipv4.NewStack(&ifaceA, resA, nil)
	ipB := ipv4.NewStack(&ifaceB, resB, nil)

	tcpA := tcpstack.New(ipA, nil)
	tcpB := tcpstack.New(ipB, nil)

	go devA.Run(ctx)
	go devB.Run(ctx)

	return ctx, endpoint{iface: &ifaceA, ip: ipA, tcp: tcpA}, endpoint{iface: &ifaceB, ip: ipB, tcp: tcpB}
}

func TestHandshakeAndDataExchange(t *testing.T) {
	ctx, client, server := newTestPair(t)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	listenSock, err := server.tcp.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := server.tcp.Bind(listenSock, server.iface, 7000); err != nil {
		t.Fatal(err)
	}
	if err := server.tcp.Listen(listenSock); err != nil {
		t.Fatal(err)
	}

	acceptedC := make(chan tcpstack.Socket, 1)
	errC := make(chan error, 1)
	go func() {
		sock, err := server.tcp.Accept(ctx, listenSock)
		if err != nil {
			errC <- err
			return
		}
		acceptedC <- sock
	}()

	clientSock, err := client.tcp.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := client.tcp.Connect(ctx, clientSock, client.iface, server.iface.Unicast, 7000); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var serverSock tcpstack.Socket
	select {
	case serverSock = <-acceptedC:
	case err := <-errC:
		t.Fatalf("accept: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for accept")
	}

	msg := []byte("hello, server")
	n, err := client.tcp.Send(ctx, clientSock, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("send: wrote %d, want %d", n, len(msg))
	}

	buf := make([]byte, 64)
	n, err = server.tcp.Recv(ctx, serverSock, buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("recv: got %q, want %q", buf[:n], msg)
	}

	reply := []byte("hello, client")
	if _, err := server.tcp.Send(ctx, serverSock, reply); err != nil {
		t.Fatalf("server send: %v", err)
	}
	n, err = client.tcp.Recv(ctx, clientSock, buf)
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if string(buf[:n]) != string(reply) {
		t.Fatalf("client recv: got %q, want %q", buf[:n], reply)
	}

	// Active close from the client; server observes the FIN via Recv's
	// io.EOF and itself closes.
	if err := client.tcp.Close(clientSock); err != nil {
		t.Fatalf("client close: %v", err)
	}
	_, err = server.tcp.Recv(ctx, serverSock, buf)
	if err == nil {
		t.Fatal("server recv: expected EOF after peer FIN, got nil error")
	}
	if err := server.tcp.Close(serverSock); err != nil {
		t.Fatalf("server close: %v", err)
	}
}

func TestResetOnClosedPort(t *testing.T) {
	ctx, client, server := newTestPair(t)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	clientSock, err := client.tcp.Open()
	if err != nil {
		t.Fatal(err)
	}
	// No listener bound on server:7001 — the handshake should be reset.
	err = client.tcp.Connect(ctx, clientSock, client.iface, server.iface.Unicast, 7001)
	if err == nil {
		t.Fatal("connect: expected reset error, got nil")
	}
}

// TestCloseListenerDrainsBacklog exercises spec.md §4.10's LISTEN close
// rule: a connection that completed its handshake but was never Accept-ed
// still sits in the listener's backlog, and closing the listener must
// recursively close it (sending it a FIN) rather than abandoning it.
func TestCloseListenerDrainsBacklog(t *testing.T) {
	ctx, client, server := newTestPair(t)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	listenSock, err := server.tcp.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := server.tcp.Bind(listenSock, server.iface, 7004); err != nil {
		t.Fatal(err)
	}
	if err := server.tcp.Listen(listenSock); err != nil {
		t.Fatal(err)
	}

	clientSock, err := client.tcp.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := client.tcp.Connect(ctx, clientSock, client.iface, server.iface.Unicast, 7004); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Give the server's device loop time to process the handshake's
	// final ACK and push the now-established connection into the
	// listener's accept backlog. No Accept is ever called.
	time.Sleep(100 * time.Millisecond)

	if err := server.tcp.Close(listenSock); err != nil {
		t.Fatalf("close listener: %v", err)
	}

	// The listener's close must have recursively closed the backlog
	// child and sent it a FIN, not silently abandoned it.
	buf := make([]byte, 16)
	if _, err := client.tcp.Recv(ctx, clientSock, buf); err == nil {
		t.Fatal("client recv: expected EOF after listener close drained its backlog, got nil error")
	}
}

// TestPortAllocationCycles repeatedly connects and closes, exercising
// Connect's ephemeral-port search and Close/reset's return of both the
// control block and its port to the free pool — spec.md §8's port
// allocation scenario, run for a bounded number of cycles that stays
// below CBTableSize.
func TestPortAllocationCycles(t *testing.T) {
	ctx, client, server := newTestPair(t)
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	listenSock, err := server.tcp.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := server.tcp.Bind(listenSock, server.iface, 7002); err != nil {
		t.Fatal(err)
	}
	if err := server.tcp.Listen(listenSock); err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			sock, err := server.tcp.Accept(ctx, listenSock)
			if err != nil {
				return
			}
			go func(sock tcpstack.Socket) {
				buf := make([]byte, 16)
				server.tcp.Recv(ctx, sock, buf)
				server.tcp.Close(sock)
			}(sock)
		}
	}()

	// Bounded well under CBTableSize: TIME_WAIT holds each closed
	// connection's control block for 2*MSL, so cycles don't free CBs fast
	// enough to wrap the table within the test's timeout.
	const cycles = 60
	for i := 0; i < cycles; i++ {
		sock, err := client.tcp.Open()
		if err != nil {
			t.Fatalf("cycle %d: open: %v", i, err)
		}
		if err := client.tcp.Connect(ctx, sock, client.iface, server.iface.Unicast, 7002); err != nil {
			t.Fatalf("cycle %d: connect: %v", i, err)
		}
		if _, err := client.tcp.Send(ctx, sock, []byte("x")); err != nil {
			t.Fatalf("cycle %d: send: %v", i, err)
		}
		if err := client.tcp.Close(sock); err != nil {
			t.Fatalf("cycle %d: close: %v", i, err)
		}
	}
}
