package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/malbeclabs/netstack/internal/device"
	"github.com/malbeclabs/netstack/internal/device/memdev"
)

func TestRegisterProtocolDispatch(t *testing.T) {
	link := memdev.NewLink(
		device.HardwareAddr{0, 0, 0, 0, 0, 1},
		device.HardwareAddr{0, 0, 0, 0, 0, 2},
		1500,
	)
	devA := device.New(link.A(), nil)
	devB := device.New(link.B(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := devA.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := devB.Open(ctx); err != nil {
		t.Fatal(err)
	}

	received := make(chan []byte, 1)
	devB.RegisterProtocol(device.EtherTypeIPv4, func(et device.EtherType, payload []byte) {
		received <- payload
	})

	go devB.Run(ctx)

	if err := devA.TX(device.EtherTypeIPv4, []byte("hello"), link.B().Addr()); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-received:
		if string(payload) != "hello" {
			t.Fatalf("got payload %q, want %q", payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame delivery")
	}

	if devA.Stats().TXFrames != 1 {
		t.Fatalf("TXFrames = %d, want 1", devA.Stats().TXFrames)
	}
}
