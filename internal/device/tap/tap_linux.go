//go:build linux

// Package tap implements device.Driver against a Linux TAP device cloned
// from /dev/net/tun, following the poll-loop/eventfd-cancellation shape
// used for the raw ICMP socket in the example corpus's uping listener.
package tap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/malbeclabs/netstack/internal/device"
)

const (
	ifnamsize   = 16
	tunDevPath  = "/dev/net/tun"
	defaultMTU  = 1500
	etherHdrLen = 14
)

// ifReq mirrors struct ifreq's name+flags prefix, as used by the TUNSETIFF
// ioctl.
type ifReq struct {
	Name  [ifnamsize]byte
	Flags uint16
	_     [22]byte
}

// Config configures a TAP driver instance.
type Config struct {
	// Name is the host TAP interface name (e.g. "tap0"). Empty lets the
	// kernel choose one.
	Name string
	MTU  int
}

// Driver is a device.Driver backed by a Linux TAP interface.
type Driver struct {
	cfg Config

	fd    int
	efd   int
	name  string
	addr  device.HardwareAddr
	mtu   int
	mu    sync.Mutex
	stopC chan struct{}
}

// New allocates (but does not open) a TAP driver.
func New(cfg Config) *Driver {
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	return &Driver{cfg: cfg, fd: -1, efd: -1, mtu: cfg.MTU}
}

// Open clones /dev/net/tun and attaches it as a TAP interface via
// TUNSETIFF, mirroring the original's rawdev_ops.open contract for the
// RAWDEV_TYPE_TAP variant.
func (d *Driver) Open(ctx context.Context) error {
	fd, err := unix.Open(tunDevPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("tap: open %s: %w", tunDevPath, err)
	}

	var req ifReq
	copy(req.Name[:], d.cfg.Name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return fmt.Errorf("tap: TUNSETIFF: %w", errno)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: set nonblock: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: eventfd: %w", err)
	}

	d.fd = fd
	d.efd = efd
	d.name = cString(req.Name[:])
	d.stopC = make(chan struct{})
	d.addr = device.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	return nil
}

// Close releases the TAP fd and eventfd. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd >= 0 {
		unix.Close(d.fd)
		d.fd = -1
	}
	if d.efd >= 0 {
		unix.Close(d.efd)
		d.efd = -1
	}
	return nil
}

// Stop signals a running Run loop to return without closing the device.
func (d *Driver) Stop() error {
	d.mu.Lock()
	efd := d.efd
	d.mu.Unlock()
	if efd < 0 {
		return nil
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(efd, one[:])
	return err
}

// Run polls the TAP fd and the stop eventfd, delivering received frames
// to handler until ctx is canceled or Stop is called.
func (d *Driver) Run(ctx context.Context, handler device.RawHandler) error {
	go func() {
		<-ctx.Done()
		_ = d.Stop()
	}()

	buf := make([]byte, 65536)
	for {
		pfds := []unix.PollFd{
			{Fd: int32(d.fd), Events: unix.POLLIN},
			{Fd: int32(d.efd), Events: unix.POLLIN},
		}
		_, err := unix.Poll(pfds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("tap: poll: %w", err)
		}
		if pfds[1].Revents&unix.POLLIN != 0 {
			return nil
		}
		if pfds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if n < etherHdrLen {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		handler(frame)
	}
}

// TX writes a single Ethernet frame (etherType header + frame payload) to
// the TAP device.
func (d *Driver) TX(etherType device.EtherType, frame []byte, dst device.HardwareAddr) error {
	pkt := make([]byte, etherHdrLen+len(frame))
	copy(pkt[0:6], dst)
	copy(pkt[6:12], d.addr)
	binary.BigEndian.PutUint16(pkt[12:14], uint16(etherType))
	copy(pkt[14:], frame)

	_, err := unix.Write(d.fd, pkt)
	if err != nil {
		return fmt.Errorf("tap: write: %w", err)
	}
	return nil
}

// Addr returns the TAP interface's synthetic hardware address.
func (d *Driver) Addr() device.HardwareAddr { return d.addr }

// MTU returns the configured MTU.
func (d *Driver) MTU() int { return d.mtu }

// BroadcastAddr returns the Ethernet broadcast address.
func (d *Driver) BroadcastAddr() device.HardwareAddr {
	return device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
