// Package wire encodes and decodes the fixed-layout BEP-15 UDP tracker
// messages. All integers are big-endian. Every function here is pure: it
// never allocates a socket and never blocks. DecodeHeader and
// DecodeAnnounceRequest reject any buffer shorter than the message's minimum
// length with ErrMalformed; DecodeScrapeInfoHashes has no error return and
// relies on the caller having checked the length, and the Encode functions
// rely on dst having enough capacity.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrMalformed is returned when a buffer is too short to hold the message
// it claims to be.
var ErrMalformed = errors.New("wire: malformed datagram")

// Action codes, per BEP 15.
const (
	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionScrape   uint32 = 2
)

// Event values carried in an announce request.
const (
	EventNone      uint32 = 0
	EventCompleted uint32 = 1
	EventStarted   uint32 = 2
	EventStopped   uint32 = 3
)

// ProtocolMagic is the fixed connection_id a connect request must carry.
const ProtocolMagic uint64 = 0x41727101980

// Fixed sizes, per BEP 15.
const (
	HeaderSize            = 16 // connection_id:8 + action:4 + transaction_id:4
	ConnectResponseSize   = 16 // action:4 + transaction_id:4 + connection_id:8
	MinAnnounceSize       = 98 // up to and including port; extension bytes optional
	AnnounceRespHeaderLen = 20 // action:4 + transaction_id:4 + interval:4 + leechers:4 + seeders:4
	PeerEntrySize         = 6  // ip:4 + port:2
	MinScrapeSize         = 16 // header only; the codec decodes zero info-hashes, the dispatcher drops such a scrape
	InfoHashSize          = 20
	ScrapeRespHeaderLen   = 8  // action:4 + transaction_id:4
	ScrapeEntrySize       = 12 // seeders:4 + download_count:4 + leechers:4
)

// Header is the common prefix of every request.
type Header struct {
	ConnectionID  uint64
	Action        uint32
	TransactionID uint32
}

// DecodeHeader parses the 16-byte common header shared by all requests.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrMalformed
	}
	return Header{
		ConnectionID:  binary.BigEndian.Uint64(buf[0:8]),
		Action:        binary.BigEndian.Uint32(buf[8:12]),
		TransactionID: binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// EncodeConnectResponse writes a 16-byte connect response into dst, which
// must have at least ConnectResponseSize bytes of capacity (len is
// overwritten to exactly that size).
func EncodeConnectResponse(dst []byte, transactionID uint32, connectionID uint64) []byte {
	dst = dst[:ConnectResponseSize]
	binary.BigEndian.PutUint32(dst[0:4], ActionConnect)
	binary.BigEndian.PutUint32(dst[4:8], transactionID)
	binary.BigEndian.PutUint64(dst[8:16], connectionID)
	return dst
}

// AnnounceRequest holds the fields of an announce request packet.
type AnnounceRequest struct {
	Header
	InfoHash   [InfoHashSize]byte
	PeerID     [InfoHashSize]byte
	Downloaded uint64
	Left       uint64
	Uploaded   uint64
	Event      uint32
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

// DecodeAnnounceRequest parses an announce request. Extension bytes beyond
// MinAnnounceSize are accepted and ignored.
func DecodeAnnounceRequest(buf []byte) (AnnounceRequest, error) {
	if len(buf) < MinAnnounceSize {
		return AnnounceRequest{}, ErrMalformed
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return AnnounceRequest{}, err
	}
	var req AnnounceRequest
	req.Header = hdr
	copy(req.InfoHash[:], buf[16:36])
	copy(req.PeerID[:], buf[36:56])
	req.Downloaded = binary.BigEndian.Uint64(buf[56:64])
	req.Left = binary.BigEndian.Uint64(buf[64:72])
	req.Uploaded = binary.BigEndian.Uint64(buf[72:80])
	req.Event = binary.BigEndian.Uint32(buf[80:84])
	req.IP = binary.BigEndian.Uint32(buf[84:88])
	req.Key = binary.BigEndian.Uint32(buf[88:92])
	req.NumWant = int32(binary.BigEndian.Uint32(buf[92:96]))
	req.Port = binary.BigEndian.Uint16(buf[96:98])
	return req, nil
}

// EncodeAnnounceResponse writes the 20-byte announce response header
// followed by the already-serialized peer bytes (PeerEntrySize per peer)
// into dst. dst must have capacity for AnnounceRespHeaderLen+len(peers).
func EncodeAnnounceResponse(dst []byte, transactionID uint32, interval, leechers, seeders uint32, peers []byte) []byte {
	dst = dst[:AnnounceRespHeaderLen+len(peers)]
	binary.BigEndian.PutUint32(dst[0:4], ActionAnnounce)
	binary.BigEndian.PutUint32(dst[4:8], transactionID)
	binary.BigEndian.PutUint32(dst[8:12], interval)
	binary.BigEndian.PutUint32(dst[12:16], leechers)
	binary.BigEndian.PutUint32(dst[16:20], seeders)
	copy(dst[20:], peers)
	return dst
}

// DecodeScrapeInfoHashes returns the list of info-hashes requested in a
// scrape packet. The caller has already validated len(buf) >= MinScrapeSize.
func DecodeScrapeInfoHashes(buf []byte, maxHashes int) [][InfoHashSize]byte {
	n := (len(buf) - HeaderSize) / InfoHashSize
	if n > maxHashes {
		n = maxHashes
	}
	out := make([][InfoHashSize]byte, n)
	for i := range out {
		off := HeaderSize + i*InfoHashSize
		copy(out[i][:], buf[off:off+InfoHashSize])
	}
	return out
}

// ScrapeEntry is one (seeders, download_count, leechers) triple.
type ScrapeEntry struct {
	Seeders       uint32
	DownloadCount uint32
	Leechers      uint32
}

// EncodeScrapeResponse writes the scrape response header followed by one
// ScrapeEntry per entries element.
func EncodeScrapeResponse(dst []byte, transactionID uint32, entries []ScrapeEntry) []byte {
	dst = dst[:ScrapeRespHeaderLen+len(entries)*ScrapeEntrySize]
	binary.BigEndian.PutUint32(dst[0:4], ActionScrape)
	binary.BigEndian.PutUint32(dst[4:8], transactionID)
	off := ScrapeRespHeaderLen
	for _, e := range entries {
		binary.BigEndian.PutUint32(dst[off:off+4], e.Seeders)
		binary.BigEndian.PutUint32(dst[off+4:off+8], e.DownloadCount)
		binary.BigEndian.PutUint32(dst[off+8:off+12], e.Leechers)
		off += ScrapeEntrySize
	}
	return dst
}

// EncodePeerIPv4 appends one peer's (ip, port) to dst in wire format.
func EncodePeerIPv4(dst []byte, ip [4]byte, port uint16) []byte {
	dst = append(dst, ip[:]...)
	return binary.BigEndian.AppendUint16(dst, port)
}
