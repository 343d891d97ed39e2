package app

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

const reserveHashDomain = "slots/reserve/v1"

// HashReserveInput fingerprints every argument of a reserve request so that a
// reused idempotency key with different arguments is detected.
// Format: hex(SHA256(domain + 0x00 + canonical JSON)).
func HashReserveInput(in ReserveInput) string {
	payload, _ := json.Marshal(struct {
		OrderID     string `json:"order_id"`
		TimeBlockID string `json:"time_block_id"`
		Date        string `json:"date"`
		TimeZone    string `json:"time_zone"`
	}{
		OrderID:     in.OrderID,
		TimeBlockID: in.TimeBlockID,
		Date:        in.Date,
		TimeZone:    in.TimeZone,
	})

	h := sha256.New()
	h.Write([]byte(reserveHashDomain))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
