// Package dispatch implements the UDP request dispatcher: a pool of
// workers sharing one receive socket, each with a private send socket,
// classifying datagrams by BEP 15 action and driving the connection-id
// oracle, swarm table, and wire codec to build responses.
package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coreswarm/tracker/internal/connid"
	"github.com/coreswarm/tracker/internal/netutil"
	"github.com/coreswarm/tracker/internal/stats"
	"github.com/coreswarm/tracker/internal/swarm"
	"github.com/coreswarm/tracker/internal/table"
	"github.com/coreswarm/tracker/internal/wire"
)

// MaxScrapeHashes caps a scrape response at the largest count that still
// fits comfortably under typical MTU: (900-8)/12 rounds down to 74, keeping
// responses well clear of the 1500-byte Ethernet frame.
const MaxScrapeHashes = 74

// minScrapeRequestSize is the header plus one info-hash: a scrape asking
// about zero torrents carries nothing useful and utrack (main.cpp) rejects
// it the same way, as malformed, rather than answering with a bare header.
const minScrapeRequestSize = wire.MinScrapeSize + wire.InfoHashSize

const recvBufSize = 2048

// Config configures a Dispatcher.
type Config struct {
	BindAddr         string
	Port             int
	Workers          int
	SockBufBytes     int
	AllowAlternateIP bool
	Secret           connid.Secret
}

// Dispatcher owns the shared receive socket, the worker-private send
// sockets, and the swarm table, and runs the worker pool.
type Dispatcher struct {
	cfg    Config
	log    *zap.Logger
	oracle connid.Oracle
	table  *table.Table
	stats  *stats.Counters

	recv  *net.UDPConn
	ready chan struct{}
	wg    sync.WaitGroup
}

// New builds a Dispatcher. It does not open any sockets yet (that happens
// in Run), so construction never fails on its own.
func New(cfg Config, log *zap.Logger, tbl *table.Table, st *stats.Counters) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		log:    log,
		oracle: connid.New(cfg.Secret),
		table:  tbl,
		stats:  st,
		ready:  make(chan struct{}),
	}
}

// LocalAddr blocks until the receive socket is bound, then returns its
// address. Useful for logging the resolved port when Port is 0, and for
// tests that bind to an ephemeral port.
func (d *Dispatcher) LocalAddr() net.Addr {
	<-d.ready
	return d.recv.LocalAddr()
}

// Run opens the shared receive socket and cfg.Workers private send
// sockets, then blocks until ctx is cancelled. On cancellation it closes
// the receive socket, which unblocks every worker's ReadFromUDP with an
// error treated as the shutdown signal, and waits for all workers to
// return.
func (d *Dispatcher) Run(ctx context.Context) error {
	addr := net.JoinHostPort(d.cfg.BindAddr, strconv.Itoa(d.cfg.Port))

	recv, err := netutil.ListenUDPReusable("udp4", addr, d.cfg.SockBufBytes)
	if err != nil {
		return err
	}
	d.recv = recv
	close(d.ready)
	// Bind the send sockets to the port the receive socket actually got, so
	// an ephemeral (0) Port still gives every socket the same endpoint.
	addr = recv.LocalAddr().String()

	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		send, err := netutil.ListenUDPReusable("udp4", addr, d.cfg.SockBufBytes)
		if err != nil {
			_ = d.recv.Close()
			return err
		}

		d.wg.Add(1)
		go func(id int, send *net.UDPConn) {
			defer d.wg.Done()
			defer send.Close()
			d.workerLoop(ctx, id, send)
		}(i, send)
	}

	<-ctx.Done()
	_ = d.recv.Close()
	d.wg.Wait()
	return nil
}

// workerLoop is one worker: block in ReadFromUDP on the shared receive
// socket, classify and handle each datagram, repeat. Any receive error
// other than the one produced by Run closing the socket on shutdown is
// logged and treated as terminal for this worker only.
func (d *Dispatcher) workerLoop(ctx context.Context, id int, send *net.UDPConn) {
	log := d.log.With(zap.Int("worker", id))
	buf := make([]byte, recvBufSize)

	for {
		n, addr, err := d.recv.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error("receive error, worker exiting", zap.Error(err))
			return
		}
		d.stats.BytesIn.Add(uint64(n))
		d.handlePacket(send, addr, buf[:n], log)
	}
}

func (d *Dispatcher) handlePacket(send *net.UDPConn, addr *net.UDPAddr, packet []byte, log *zap.Logger) {
	hdr, err := wire.DecodeHeader(packet)
	if err != nil {
		d.stats.Errors.Add(1)
		log.Debug("malformed packet: too short", zap.Int("bytes", len(packet)))
		return
	}

	reqLog := log.With(
		zap.String("remote", addr.String()),
		zap.Uint32("action", hdr.Action),
		zap.Uint32("transaction_id", hdr.TransactionID),
	)

	switch hdr.Action {
	case wire.ActionConnect:
		d.handleConnect(send, addr, hdr, reqLog)
	case wire.ActionAnnounce:
		d.handleAnnounce(send, addr, packet, hdr, reqLog)
	case wire.ActionScrape:
		d.handleScrape(send, addr, packet, hdr, reqLog)
	default:
		d.stats.Errors.Add(1)
		reqLog.Debug("unknown action")
	}
}

func (d *Dispatcher) handleConnect(send *net.UDPConn, addr *net.UDPAddr, hdr wire.Header, log *zap.Logger) {
	if hdr.ConnectionID != wire.ProtocolMagic {
		d.stats.Errors.Add(1)
		log.Debug("connect: bad protocol magic", zap.Uint64("connection_id", hdr.ConnectionID))
		return
	}

	token := d.oracle.Issue(addr.IP, uint16(addr.Port))

	var buf [wire.ConnectResponseSize]byte
	resp := wire.EncodeConnectResponse(buf[:], hdr.TransactionID, token)
	if d.write(send, addr, resp, log) {
		d.stats.Connects.Add(1)
	}
}

func (d *Dispatcher) handleAnnounce(send *net.UDPConn, addr *net.UDPAddr, packet []byte, hdr wire.Header, log *zap.Logger) {
	if !d.oracle.Verify(hdr.ConnectionID, addr.IP, uint16(addr.Port)) {
		d.stats.Errors.Add(1)
		log.Debug("announce: connection-id mismatch")
		return
	}

	req, err := wire.DecodeAnnounceRequest(packet)
	if err != nil {
		d.stats.Errors.Add(1)
		log.Debug("announce: packet too short", zap.Int("bytes", len(packet)))
		return
	}

	endpoint := d.resolveEndpoint(addr, req.IP, req.Port)
	s := d.table.GetOrInsert(swarm.InfoHash(req.InfoHash))

	var peerID swarm.PeerID
	copy(peerID[:], req.PeerID[:])

	sample, leechers, seeders := s.Announce(swarm.AnnounceInput{
		Endpoint: endpoint,
		PeerID:   peerID,
		Left:     req.Left,
		Event:    req.Event,
	}, time.Now(), int(req.NumWant))

	peerBytes := make([]byte, 0, len(sample)*wire.PeerEntrySize)
	for _, p := range sample {
		peerBytes = wire.EncodePeerIPv4(peerBytes, p.IP, p.Port)
	}

	interval := uint32(swarm.AnnounceIntervalBase + rand.Intn(swarm.AnnounceIntervalJitter+1)) //nolint:gosec // jitter, not a security boundary

	dst := make([]byte, wire.AnnounceRespHeaderLen+len(peerBytes))
	resp := wire.EncodeAnnounceResponse(dst, hdr.TransactionID, interval, uint32(leechers), uint32(seeders), peerBytes)
	if d.write(send, addr, resp, log) {
		d.stats.Announces.Add(1)
	}
}

func (d *Dispatcher) handleScrape(send *net.UDPConn, addr *net.UDPAddr, packet []byte, hdr wire.Header, log *zap.Logger) {
	if !d.oracle.Verify(hdr.ConnectionID, addr.IP, uint16(addr.Port)) {
		d.stats.Errors.Add(1)
		log.Debug("scrape: connection-id mismatch")
		return
	}
	if len(packet) < minScrapeRequestSize {
		d.stats.Errors.Add(1)
		log.Debug("scrape: packet too short", zap.Int("bytes", len(packet)))
		return
	}

	hashes := wire.DecodeScrapeInfoHashes(packet, MaxScrapeHashes)
	entries := make([]wire.ScrapeEntry, len(hashes))
	for i, h := range hashes {
		if s := d.table.Find(swarm.InfoHash(h)); s != nil {
			seeders, downloadCount, leechers := s.Scrape()
			entries[i] = wire.ScrapeEntry{Seeders: seeders, DownloadCount: downloadCount, Leechers: leechers}
		}
	}

	dst := make([]byte, wire.ScrapeRespHeaderLen+len(entries)*wire.ScrapeEntrySize)
	resp := wire.EncodeScrapeResponse(dst, hdr.TransactionID, entries)
	if d.write(send, addr, resp, log) {
		d.stats.Scrapes.Add(1)
	}
}

// resolveEndpoint picks the peer's advertised endpoint. The source IP
// always wins unless AllowAlternateIP is enabled and the client supplied a
// nonzero ip field, off by default because the ip field is trivially
// spoofable.
func (d *Dispatcher) resolveEndpoint(addr *net.UDPAddr, ipField uint32, port uint16) swarm.Endpoint {
	var ip [4]byte
	if d.cfg.AllowAlternateIP && ipField != 0 {
		binary.BigEndian.PutUint32(ip[:], ipField)
	} else {
		copy(ip[:], addr.IP.To4())
	}
	return swarm.Endpoint{IP: ip, Port: port}
}

// write sends resp to addr over send, logging and counting outbound bytes
// on success. A hard send error is logged and isolated to this one
// request; the caller's worker loop is only torn down on the next receive
// error. Go's net package already retries EINTR internally, so no explicit
// retry loop is needed here the way utrack's respond() has one.
func (d *Dispatcher) write(send *net.UDPConn, addr *net.UDPAddr, resp []byte, log *zap.Logger) bool {
	n, err := send.WriteToUDP(resp, addr)
	if err != nil {
		log.Error("send error", zap.Error(err))
		return false
	}
	d.stats.BytesOut.Add(uint64(n))
	return true
}
