package dispatch

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coreswarm/tracker/internal/connid"
	"github.com/coreswarm/tracker/internal/stats"
	"github.com/coreswarm/tracker/internal/table"
	"github.com/coreswarm/tracker/internal/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()

	secret, err := connid.NewSecret()
	require.NoError(t, err)

	cfg := Config{
		BindAddr:     "127.0.0.1",
		Port:         0,
		Workers:      2,
		SockBufBytes: 0,
		Secret:       secret,
	}

	d := New(cfg, zap.NewNop(), table.New(), &stats.Counters{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	addr := d.LocalAddr().String()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not shut down")
		}
	})

	return d, addr
}

func connect(t *testing.T, conn *net.UDPConn, raddr *net.UDPAddr, txID uint32) uint64 {
	t.Helper()
	var req [16]byte
	binary.BigEndian.PutUint64(req[0:8], wire.ProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], wire.ActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	_, err := conn.Write(req[:])
	require.NoError(t, err)

	buf := make([]byte, 1024)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, wire.ConnectResponseSize)

	require.Equal(t, wire.ActionConnect, binary.BigEndian.Uint32(buf[0:4]))
	require.Equal(t, txID, binary.BigEndian.Uint32(buf[4:8]))
	return binary.BigEndian.Uint64(buf[8:16])
}

func TestDispatcher_ConnectThenAnnounce(t *testing.T) {
	_, addrStr := newTestDispatcher(t)
	raddr, err := net.ResolveUDPAddr("udp4", addrStr)
	require.NoError(t, err)

	conn, err := net.DialUDP("udp4", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	connID := connect(t, conn, raddr, 1)

	req := make([]byte, wire.MinAnnounceSize)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], wire.ActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], 2)
	for i := 0; i < 20; i++ {
		req[16+i] = 0xAA
		req[36+i] = 0xBB
	}
	binary.BigEndian.PutUint64(req[64:72], 0) // left=0: seeder
	binary.BigEndian.PutUint32(req[92:96], 10)
	binary.BigEndian.PutUint16(req[96:98], 6881)

	_, err = conn.Write(req)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, wire.AnnounceRespHeaderLen)
	require.Equal(t, wire.ActionAnnounce, binary.BigEndian.Uint32(buf[0:4]))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(buf[4:8]))

	seeders := binary.BigEndian.Uint32(buf[16:20])
	require.Equal(t, uint32(1), seeders)
}

func TestDispatcher_AnnounceWithoutConnectIsDropped(t *testing.T) {
	_, addrStr := newTestDispatcher(t)
	raddr, err := net.ResolveUDPAddr("udp4", addrStr)
	require.NoError(t, err)

	conn, err := net.DialUDP("udp4", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	req := make([]byte, wire.MinAnnounceSize)
	binary.BigEndian.PutUint64(req[0:8], 0xDEADBEEF) // never-issued connection id
	binary.BigEndian.PutUint32(req[8:12], wire.ActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], 9)

	_, err = conn.Write(req)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = conn.ReadFromUDP(buf)
	require.Error(t, err, "forged connection-id should be dropped silently, no response")
}

func TestDispatcher_ScrapeUnknownHashIsZero(t *testing.T) {
	_, addrStr := newTestDispatcher(t)
	raddr, err := net.ResolveUDPAddr("udp4", addrStr)
	require.NoError(t, err)

	conn, err := net.DialUDP("udp4", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	connID := connect(t, conn, raddr, 5)

	req := make([]byte, wire.MinScrapeSize+wire.InfoHashSize)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], wire.ActionScrape)
	binary.BigEndian.PutUint32(req[12:16], 6)
	for i := 0; i < wire.InfoHashSize; i++ {
		req[16+i] = 0xFF
	}

	_, err = conn.Write(req)
	require.NoError(t, err)

	buf := make([]byte, 1024)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, wire.ScrapeRespHeaderLen+wire.ScrapeEntrySize, n)
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(buf[8:12]), "unknown hash should scrape as all zero")
}

func TestDispatcher_ScrapeWithNoHashesIsDropped(t *testing.T) {
	_, addrStr := newTestDispatcher(t)
	raddr, err := net.ResolveUDPAddr("udp4", addrStr)
	require.NoError(t, err)

	conn, err := net.DialUDP("udp4", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	connID := connect(t, conn, raddr, 7)

	req := make([]byte, wire.MinScrapeSize)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], wire.ActionScrape)
	binary.BigEndian.PutUint32(req[12:16], 8)

	_, err = conn.Write(req)
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = conn.ReadFromUDP(buf)
	require.Error(t, err, "a scrape with zero info-hashes should be dropped with no response")
}

func TestDispatcher_MalformedPacketIsDropped(t *testing.T) {
	_, addrStr := newTestDispatcher(t)
	raddr, err := net.ResolveUDPAddr("udp4", addrStr)
	require.NoError(t, err)

	conn, err := net.DialUDP("udp4", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = conn.ReadFromUDP(buf)
	require.Error(t, err, "undersized packet should be dropped with no response")
}
