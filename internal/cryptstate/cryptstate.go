// Package cryptstate implements Mumble's OCB2-AES128 authenticated
// encryption over the UDP voice channel: per-session symmetric
// keying, IV bookkeeping (including the ripple-carry increment and the
// late/lost/wraparound classification of an inbound IV), a 256-entry
// replay window, and the XEX* forgery guard.
package cryptstate

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"sync"
)

// ErrNotKeyed is returned by Encrypt/Decrypt before SetKey has been
// called.
var ErrNotKeyed = errors.New("cryptstate: not keyed")

// Stats mirrors the reference server's per-direction counters.
// Lost/Late/Good are saturating: they never wrap past the uint32 max.
type Stats struct {
	Good   uint32
	Late   uint32
	Lost   uint32
	Resync uint32
}

func saturatingAdd(v uint32, delta int64) uint32 {
	n := int64(v) + delta
	switch {
	case n < 0:
		return 0
	case n > int64(^uint32(0)):
		return ^uint32(0)
	default:
		return uint32(n)
	}
}

// CryptState is the per-session OCB2 crypt state, owned exclusively by
// the UDP voice client.
type CryptState struct {
	mu sync.Mutex

	rawKey         [blockSize]byte
	encryptIV      block
	decryptIV      block
	decryptHistory [256]byte

	init bool

	encryptCipher cipher.Block
	decryptCipher cipher.Block

	StatsLocal  Stats
	StatsRemote Stats
}

// GenerateKey fills key/clientNonce/serverNonce with cryptographically
// random bytes, for the server-role tests in this package; the gateway
// itself is always the client and receives these from the server's
// CryptSetup message instead of generating them.
func GenerateKey() (key, clientNonce, serverNonce [16]byte, err error) {
	for _, b := range [][]byte{key[:], clientNonce[:], serverNonce[:]} {
		if _, err = rand.Read(b); err != nil {
			return
		}
	}
	return
}

// SetKey installs a fresh key and nonce pair: sets
// encryptIV/decryptIV from the given nonces, clears the replay history,
// and marks the state valid. This is the only path that changes rawKey;
// mid-session resync (SetDecryptIV) never touches it.
func (c *CryptState) SetKey(key, clientNonce, serverNonce [16]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ec, err := newAESCipher(key)
	if err != nil {
		return err
	}
	c.rawKey = key
	c.encryptCipher = ec
	c.decryptCipher = ec // AES-128 ECB primitive; same key both directions.
	c.encryptIV = block(clientNonce)
	c.decryptIV = block(serverNonce)
	c.decryptHistory = [256]byte{}
	c.init = true
	return nil
}

// SetDecryptIV installs a server-provided resync IV without touching
// the key or encryptIV.
func (c *CryptState) SetDecryptIV(iv [16]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decryptIV = block(iv)
	c.decryptHistory = [256]byte{}
	c.StatsRemote.Resync = saturatingAdd(c.StatsRemote.Resync, 1)
}

// EncryptIV returns the current encrypt IV, sent back to the server
// when it requests a resync with an empty CryptSetup.
func (c *CryptState) EncryptIV() [16]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return [16]byte(c.encryptIV)
}

// IsValid reports whether SetKey has been called.
func (c *CryptState) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.init
}

// incrementIV performs the little-endian ripple-carry increment used
// both for outbound packets and for decrypt-side IV advancement: add 1
// to byte 0, carrying into subsequent bytes only while a byte wraps
// from 0xff to 0x00.
func incrementIV(iv *block) {
	for i := range iv {
		iv[i]++
		if iv[i] != 0 {
			break
		}
	}
}

// decrementFrom performs the mirror operation used when a "late,
// wrapped" packet requires walking decryptIV backwards from byte 1
// onward (the low byte is overwritten directly by the caller).
func decrementFrom(iv *block, start int) {
	for i := start; i < len(iv); i++ {
		iv[i]--
		if iv[i] != 0xff {
			break
		}
	}
}

// Encrypt increments encryptIV, runs OCB2, and emits the 4-byte header
// (IV byte0 + first 3 tag bytes) followed by the ciphertext.
func (c *CryptState) Encrypt(plain []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.init {
		return nil, ErrNotKeyed
	}

	incrementIV(&c.encryptIV)
	ciphertext, tag := ocbEncrypt(c.encryptCipher, plain, c.encryptIV)

	out := make([]byte, 4+len(ciphertext))
	out[0] = c.encryptIV[0]
	out[1], out[2], out[3] = tag[0], tag[1], tag[2]
	copy(out[4:], ciphertext)
	return out, nil
}

// Decrypt classifies the packet's IV byte against the expected next
// value, then runs OCB2. It returns (plain, true) on success and
// (nil, false) on any rejection (truncated packet, replay, XEX* guard,
// or tag mismatch); rejections are silent and callers only see the
// lost/late/good counters move.
func (c *CryptState) Decrypt(packet []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.init || len(packet) < 4 {
		return nil, false
	}

	saved := c.decryptIV
	ivByte0 := packet[0]
	restore := false
	var late, lost int64

	switch {
	case byte(c.decryptIV[0]+1) == ivByte0:
		// In-order (covers both the common +1 case and the wrap 0xff->0x00).
		if ivByte0 > c.decryptIV[0] {
			// Ordinary increment, no wrap of byte 0.
			c.decryptIV[0] = ivByte0
		} else if ivByte0 < c.decryptIV[0] {
			// Byte 0 wrapped (0xff -> 0x00); ripple the carry into
			// byte 1 onward.
			c.decryptIV[0] = ivByte0
			incrementFrom1(&c.decryptIV)
		} else {
			c.decryptIV = saved
			return nil, false
		}
	default:
		diff := int(ivByte0) - int(c.decryptIV[0])
		switch {
		case diff > 128:
			diff -= 256
		case diff < -128:
			diff += 256
		}

		switch {
		case ivByte0 < c.decryptIV[0] && diff > -30 && diff < 0:
			// Late, no wraparound.
			late, lost = 1, -1
			c.decryptIV[0] = ivByte0
			restore = true
		case ivByte0 > c.decryptIV[0] && diff > -30 && diff < 0:
			// Late, wrapped (e.g. last was 0x02, this is 0xff from
			// before the wrap).
			late, lost = 1, -1
			c.decryptIV[0] = ivByte0
			decrementFrom(&c.decryptIV, 1)
			restore = true
		case ivByte0 > c.decryptIV[0] && diff > 0:
			lost = int64(ivByte0) - int64(c.decryptIV[0]) - 1
			c.decryptIV[0] = ivByte0
		case ivByte0 < c.decryptIV[0] && diff > 0:
			lost = 256 - int64(c.decryptIV[0]) + int64(ivByte0) - 1
			c.decryptIV[0] = ivByte0
			incrementFrom1(&c.decryptIV)
		default:
			c.decryptIV = saved
			return nil, false
		}

		// Replay check. Only out-of-order packets can be replays; an
		// in-order packet advanced the IV past anything seen before.
		if c.decryptHistory[c.decryptIV[0]] == c.decryptIV[1] {
			c.decryptIV = saved
			return nil, false
		}
	}

	plain, tag, rejected := ocbDecrypt(c.decryptCipher, packet[4:], c.decryptIV)
	if rejected || tag[0] != packet[1] || tag[1] != packet[2] || tag[2] != packet[3] {
		c.decryptIV = saved
		return nil, false
	}

	c.decryptHistory[c.decryptIV[0]] = c.decryptIV[1]
	if restore {
		c.decryptIV = saved
	}

	c.StatsRemote.Good = saturatingAdd(c.StatsRemote.Good, 1)
	c.StatsRemote.Late = saturatingAdd(c.StatsRemote.Late, late)
	c.StatsRemote.Lost = saturatingAdd(c.StatsRemote.Lost, lost)

	return plain, true
}

// incrementFrom1 increments bytes [1:] of iv with ripple carry,
// matching the reference "carry only on wrap" rule for bytes above the
// low byte.
func incrementFrom1(iv *block) {
	for i := 1; i < len(iv); i++ {
		iv[i]++
		if iv[i] != 0 {
			break
		}
	}
}
