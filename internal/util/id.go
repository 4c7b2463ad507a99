// Package util holds id helpers shared by the commands and the API.
package util

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"
)

const suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewRoomID returns room-<unix millis>-<9 char base36 suffix>.
func NewRoomID() string {
	return newRoomIDAt(time.Now())
}

func newRoomIDAt(now time.Time) string {
	suffix := make([]byte, 9)
	limit := big.NewInt(int64(len(suffixAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			suffix[i] = suffixAlphabet[0]
			continue
		}
		suffix[i] = suffixAlphabet[n.Int64()]
	}
	return "room-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + string(suffix)
}
