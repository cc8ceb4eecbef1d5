package decrypt

import (
	"errors"
	"fmt"
	"strconv"
)

// SaltSize is the fixed salt length fed into the KDF.
const SaltSize = 16

// ErrUnsupportedEncoding is returned for an encoding type outside the known
// table. It indicates a protocol mismatch with the bridge and has no fallback.
var ErrUnsupportedEncoding = errors.New("decrypt: unsupported encoding type")

// saltPrefixes maps an encoding type to the prefix prepended to the decimal
// user id. The table is fixed by the KakaoTalk client; order matters.
var saltPrefixes = [...]string{
	"", "", "12", "24", "18", "30", "36", "12", "48", "7", "35", "40", "17", "23", "29",
	"isabel", "kale", "sulli", "van", "merry", "kyle", "james", "maddux",
	"tony", "hayden", "paul", "elijah", "dorothy", "sally", "bran",
	"extr.ursra", "veil",
}

// EncodingTypes is the number of supported encoding types.
const EncodingTypes = len(saltPrefixes)

// Salt derives the KDF salt for a (user, encoding type) pair: the table prefix
// followed by the decimal user id, right-padded with NULs and truncated to 16
// bytes. Non-positive user ids (system/bot-originated records) always get an
// all-zero salt.
func Salt(userID int64, encType int) ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if userID <= 0 {
		return salt, nil
	}
	if encType < 0 || encType >= EncodingTypes {
		return salt, fmt.Errorf("%w: %d", ErrUnsupportedEncoding, encType)
	}
	copy(salt[:], saltPrefixes[encType]+strconv.FormatInt(userID, 10))
	return salt, nil
}
