package signaling

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// channelPrefix namespaces call signaling channels on the relay so they
// cannot collide with other realtime topics.
const channelPrefix = "call"

// tokenLength is the fixed width (hex characters) of a participant token
// inside a channel name.
const tokenLength = 12

// ChannelName derives the signaling channel shared by two participants.
//
// Each participant identifier is hashed and truncated to a fixed-width
// token, the two tokens are sorted lexicographically and joined under a
// common prefix. Both peers therefore compute the same channel name from
// their own view of the pair, without any coordination round-trip, and
// raw identifiers never appear on the wire.
func ChannelName(participantA, participantB string) string {
	tokenA := participantToken(participantA)
	tokenB := participantToken(participantB)
	if tokenB < tokenA {
		tokenA, tokenB = tokenB, tokenA
	}
	return channelPrefix + "_" + tokenA + "_" + tokenB
}

// participantToken hashes a participant identifier down to a fixed-width
// hex token.
func participantToken(id string) string {
	sum := blake2b.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:tokenLength]
}
