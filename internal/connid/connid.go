// Package connid implements the stateless connection-id handshake used to
// bind announce/scrape requests to the client endpoint that connected,
// without the tracker keeping any session state.
//
// The scheme follows utrack's original design: a SHA-1 digest of a
// server-wide secret concatenated with the client's IP and port, truncated
// to the 8 bytes the protocol's connection_id field carries. Unlike
// pico-tracker's HMAC-SHA256 "syn-cookie" variant, the token is not
// time-bound; see Oracle's doc comment for why.
package connid

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // BEP 15 connection-id scheme is not a cryptographic signature; collision resistance beyond brute-force infeasibility is not required.
	"encoding/binary"
	"net"
)

// SecretSize is the width of the server secret, matching utrack's
// SHA_CTX-sized secret state (a 20-byte partial SHA-1 context digest).
const SecretSize = sha1.Size

// Secret is the server-wide value the oracle binds every token to. It is
// derived once at startup from a random seed and never mutated afterward.
type Secret [SecretSize]byte

// NewSecret derives a Secret by hashing a fresh random 64-bit seed, mirroring
// utrack's main() (`secret_key` built from `rand()`, fed into `SHA1_Init`).
func NewSecret() (Secret, error) {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return Secret{}, err
	}
	var s Secret
	copy(s[:], sha1Sum(seed[:]))
	return s, nil
}

func sha1Sum(b []byte) []byte {
	h := sha1.Sum(b) //nolint:gosec // see package doc
	return h[:]
}

// Oracle issues and verifies connection-ids bound to a client endpoint.
//
// Tokens are not time-bound: the core never rotates the secret, so a token
// issued minutes ago on connect is still valid on a later announce. This
// trades indefinite validity of a leaked secret for never forcing a client
// to re-connect mid-session.
type Oracle struct {
	secret Secret
}

// New returns an Oracle bound to secret.
func New(secret Secret) Oracle {
	return Oracle{secret: secret}
}

// Issue computes a connection-id deterministic in (secret, ip, port).
func (o Oracle) Issue(ip net.IP, port uint16) uint64 {
	return o.digest(ip, port)
}

// Verify reports whether token was issued for (ip, port) under this
// Oracle's secret.
func (o Oracle) Verify(token uint64, ip net.IP, port uint16) bool {
	return token == o.digest(ip, port)
}

func (o Oracle) digest(ip net.IP, port uint16) uint64 {
	h := sha1.New() //nolint:gosec // see package doc
	h.Write(o.secret[:])
	h.Write(ip.To4())
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], port)
	h.Write(portBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
