package reliability

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// turnIDLen is the number of hex characters kept of the content hash.
const turnIDLen = 32

// TurnID returns the identity of a turn. A client-supplied id is used as is;
// otherwise the id is derived from the session, user, turn number and
// content, so identical resends collide.
func TurnID(session, user string, turnNumber int, content, clientID string) string {
	if clientID = strings.TrimSpace(clientID); clientID != "" {
		return clientID
	}
	sum := sha256.Sum256([]byte(session + "|" + user + "|" + strconv.Itoa(turnNumber) + "|" + content))
	return hex.EncodeToString(sum[:])[:turnIDLen]
}
