package wire

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"
)

// SignAppKey is the key under which the request signature is computed.
const SignAppKey = "34839810"

// GenerateMID produces a wire message id: the current millisecond timestamp,
// three zero-padded random digits, and a trailing " 0" discriminator.
func GenerateMID() string {
	return fmt.Sprintf("%d%03d 0", time.Now().UnixMilli(), rand.Intn(1000))
}

// GenerateUUID produces the client-side uuid format the send path expects.
func GenerateUUID() string {
	return fmt.Sprintf("-%d1", time.Now().UnixMilli())
}

// DeviceID derives a stable device identifier from the owner id: a
// UUID-shaped string seeded by the owner id, suffixed with the id itself.
// The same owner always maps to the same device.
func DeviceID(ownerID string) string {
	sum := md5.Sum([]byte(ownerID))
	hexed := hex.EncodeToString(sum[:])
	buf := make([]byte, 0, 36)
	for i, pos := 0, 0; i < 36; i++ {
		switch i {
		case 8, 13, 18, 23:
			buf = append(buf, '-')
		case 14:
			buf = append(buf, '4')
			pos++
		default:
			buf = append(buf, hexed[pos%len(hexed)])
			pos++
		}
	}
	return string(buf) + "-" + ownerID
}

// Sign computes the request signature for the token exchange API: an md5
// keyed hash over timestamp, token and payload under the fixed app key.
func Sign(timestamp, token, payload string) string {
	sum := md5.Sum([]byte(token + "&" + timestamp + "&" + SignAppKey + "&" + payload))
	return hex.EncodeToString(sum[:])
}
