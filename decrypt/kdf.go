package decrypt

import "crypto/sha1"

// kdfPassword prepares the KDF password input: the base key with a trailing
// NUL, encoded as UTF-16BE the way the client's Java implementation encodes
// char arrays.
func kdfPassword(base []byte) []byte {
	out := make([]byte, 0, (len(base)+1)*2)
	for _, c := range base {
		out = append(out, 0, c)
	}
	return append(out, 0, 0)
}

// deriveKey implements the PKCS#12 v1 key derivation (RFC 7292 appendix B)
// over SHA-1 with diversifier ID 1: hash a diversifier block plus the
// salt/password buffer, re-hash for the remaining iterations, then fold the
// digest back into the buffer with a carrying add per block, repeating until
// keyLen bytes are produced.
func deriveKey(password, salt []byte, iterations, keyLen int) []byte {
	const v = sha1.BlockSize
	const u = sha1.Size

	diversifier := make([]byte, v)
	for i := range diversifier {
		diversifier[i] = 1
	}

	buf := append(expand(salt, v), expand(password, v)...)

	key := make([]byte, 0, keyLen)
	for len(key) < keyLen {
		h := sha1.New()
		h.Write(diversifier)
		h.Write(buf)
		a := h.Sum(nil)
		for i := 1; i < iterations; i++ {
			sum := sha1.Sum(a)
			a = sum[:]
		}

		b := make([]byte, v)
		for i := range b {
			b[i] = a[i%u]
		}
		for i := 0; i < len(buf)/v; i++ {
			carryAdd(buf[i*v:(i+1)*v], b)
		}

		key = append(key, a...)
	}
	return key[:keyLen]
}

// expand repeats src cyclically to fill a whole number of v-byte blocks.
func expand(src []byte, v int) []byte {
	if len(src) == 0 {
		return nil
	}
	out := make([]byte, (len(src)+v-1)/v*v)
	for i := range out {
		out[i] = src[i%len(src)]
	}
	return out
}

// carryAdd computes a = a + b + 1 treating both as big-endian integers of
// equal length, discarding the final carry.
func carryAdd(a, b []byte) {
	x := int(b[len(b)-1]) + int(a[len(b)-1]) + 1
	a[len(b)-1] = byte(x)
	x >>= 8
	for i := len(b) - 2; i >= 0; i-- {
		x += int(b[i]) + int(a[i])
		a[i] = byte(x)
		x >>= 8
	}
}
