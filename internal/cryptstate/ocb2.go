package cryptstate

import (
	"crypto/aes"
	"crypto/cipher"
)

// blockSize is the AES/OCB2 block size in bytes.
const blockSize = 16

type block [blockSize]byte

func xorBlock(a, b block) block {
	var out block
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// double implements s2(): a big-endian, bit-exact left shift of the
// 128-bit block by one position, XORing the irreducible polynomial
// 0x87 into the last byte when the shifted-out bit was set.
func double(b block) block {
	var out block
	var carry byte
	for i := blockSize - 1; i >= 0; i-- {
		out[i] = (b[i] << 1) | carry
		carry = b[i] >> 7
	}
	if carry != 0 {
		out[blockSize-1] ^= 0x87
	}
	return out
}

// sTriple implements s3(block) = block XOR s2(block).
func sTriple(b block) block {
	return xorBlock(b, double(b))
}

func encryptBlock(c cipher.Block, in block) block {
	var out block
	c.Encrypt(out[:], in[:])
	return out
}

func decryptBlock(c cipher.Block, in block) block {
	var out block
	c.Decrypt(out[:], in[:])
	return out
}

// newAESCipher constructs the AES-128 block cipher used by both
// directions of a CryptState.
func newAESCipher(key [blockSize]byte) (cipher.Block, error) {
	return aes.NewCipher(key[:])
}

// ocbEncrypt runs Mumble's OCB2 variant over plain using the given
// per-packet IV (nonce) and returns the ciphertext (same length as
// plain) and a 16-byte authentication tag.
//
// Δ0 = E(nonce); each full block doubles Δ and produces
// C_i = E(P_i ⊕ Δ_i) ⊕ Δ_i; the final (possibly partial, possibly
// empty) block is masked with an ECB pad derived from Δ and the tail
// bit-length, and the tag is E(checksum ⊕ s3(Δ)).
//
// XEX* counter-cryptanalysis: a forgery needs the block immediately
// preceding the tail to be all zero in its leading 15 bytes. When that
// pattern occurs the encryptor deviates from plain OCB2 by flipping
// the low bit of that block's cipher input (and of the checksum),
// trading a one-bit plaintext perturbation for forgery resistance.
// The decryptor carries the mirror check on the reconstructed tail.
func ocbEncrypt(c cipher.Block, plain []byte, nonce block) (ciphertext []byte, tag block) {
	ciphertext = make([]byte, len(plain))
	delta := encryptBlock(c, nonce)
	var checksum block

	off := 0
	remaining := len(plain)
	for remaining > blockSize {
		var p block
		copy(p[:], plain[off:off+blockSize])

		// Only the last full block before the tail can set up the
		// forgery, and only with zeroed leading bytes.
		flipABit := false
		if remaining-blockSize <= blockSize {
			var sum byte
			for i := 0; i < blockSize-1; i++ {
				sum |= p[i]
			}
			if sum == 0 {
				flipABit = true
			}
		}

		delta = double(delta)
		tmp := xorBlock(delta, p)
		if flipABit {
			tmp[0] ^= 0x01
		}
		tmp = encryptBlock(c, tmp)
		ct := xorBlock(delta, tmp)
		copy(ciphertext[off:off+blockSize], ct[:])
		checksum = xorBlock(checksum, p)
		if flipABit {
			checksum[0] ^= 0x01
		}
		off += blockSize
		remaining -= blockSize
	}

	// Tail block: 0 <= remaining <= blockSize.
	delta = double(delta)
	var lenTweak block
	lenTweak[blockSize-1] = byte(remaining * 8)
	pad := encryptBlock(c, xorBlock(lenTweak, delta))

	var tailPlain block
	copy(tailPlain[:], plain[off:off+remaining])
	// Bytes beyond the tail's actual length borrow the pad's bytes, per
	// the OCB2 "ECB mask then XOR" tail construction; the checksum
	// covers the borrowed bytes too.
	for i := remaining; i < blockSize; i++ {
		tailPlain[i] = pad[i]
	}
	checksum = xorBlock(checksum, tailPlain)
	ctTail := xorBlock(pad, tailPlain)
	copy(ciphertext[off:off+remaining], ctTail[:remaining])

	tag = encryptBlock(c, xorBlock(checksum, sTriple(delta)))
	return ciphertext, tag
}

// ocbDecrypt is the inverse of ocbEncrypt. It returns the recovered
// plaintext and the tag a valid ciphertext must match; callers compare
// the returned tag against the transmitted one. rejected is set by the
// XEX* guard independent of tag comparison, because a forged packet
// carries a tag that would otherwise verify.
func ocbDecrypt(c cipher.Block, ciphertext []byte, nonce block) (plain []byte, tag block, rejected bool) {
	plain = make([]byte, len(ciphertext))
	delta := encryptBlock(c, nonce)
	var checksum block

	off := 0
	remaining := len(ciphertext)
	for remaining > blockSize {
		delta = double(delta)
		var ct block
		copy(ct[:], ciphertext[off:off+blockSize])
		p := xorBlock(decryptBlock(c, xorBlock(delta, ct)), delta)
		copy(plain[off:off+blockSize], p[:])
		checksum = xorBlock(checksum, p)
		off += blockSize
		remaining -= blockSize
	}

	delta = double(delta)
	var lenTweak block
	lenTweak[blockSize-1] = byte(remaining * 8)
	pad := encryptBlock(c, xorBlock(lenTweak, delta))

	// Zero-fill, overlay the tail ciphertext, then XOR the pad: bytes
	// beyond the tail length come out as pad bytes, mirroring the
	// borrowed bytes the encryptor folded into its checksum.
	var tailPlain block
	copy(tailPlain[:], ciphertext[off:off+remaining])
	tailPlain = xorBlock(tailPlain, pad)
	checksum = xorBlock(checksum, tailPlain)
	copy(plain[off:off+remaining], tailPlain[:remaining])

	// XEX* guard: in a forgery the reconstructed tail equals delta up
	// to the length byte, so compare everything but the last byte.
	rejected = true
	for i := 0; i < blockSize-1; i++ {
		if tailPlain[i] != delta[i] {
			rejected = false
			break
		}
	}

	tag = encryptBlock(c, xorBlock(checksum, sTriple(delta)))
	return plain, tag, rejected
}
