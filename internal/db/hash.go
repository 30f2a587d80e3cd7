package db

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/manpreetbhatti/taskroom/internal/room"
)

// StateHash fingerprints a state. Map keys are encoded in sorted order, so
// equal states hash equally.
func StateHash(s *room.State) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}
