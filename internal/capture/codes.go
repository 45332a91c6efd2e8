package capture

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	// codeStep is the rotation interval for rolling capture codes.
	codeStep = 5 * time.Minute
	// codeLength is the number of base32 characters shown to players.
	codeLength = 6
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func codeAt(seed string, step int64) string {
	mac := hmac.New(sha256.New, []byte(seed))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(step))
	mac.Write(buf[:])
	return codeEncoding.EncodeToString(mac.Sum(nil))[:codeLength]
}

// CurrentCode returns the rolling capture code for a seed at the given time.
func CurrentCode(seed string, now time.Time) string {
	return codeAt(seed, now.Unix()/int64(codeStep/time.Second))
}

// StaticCode returns the non-rotating code for a seed, for games that run
// with printed player cards.
func StaticCode(seed string) string {
	return codeAt(seed, 0)
}

// VerifyCode checks a submitted code against a seed. The previous rotation
// step is also accepted so a code read just before rollover still works.
func VerifyCode(seed, code string, static bool, now time.Time) bool {
	if static {
		return hmac.Equal([]byte(code), []byte(StaticCode(seed)))
	}
	step := now.Unix() / int64(codeStep/time.Second)
	return hmac.Equal([]byte(code), []byte(codeAt(seed, step))) ||
		hmac.Equal([]byte(code), []byte(codeAt(seed, step-1)))
}

// CodePNG renders the capture code as a QR code PNG of the given pixel size.
func CodePNG(seed string, static bool, now time.Time, size int) ([]byte, error) {
	code := CurrentCode(seed, now)
	if static {
		code = StaticCode(seed)
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}
