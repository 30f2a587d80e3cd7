package cache

import "fmt"

// Key layout:
//   - roomKey(roomID):           members of a room (ZSET<userId, expireAtUnix>)
//   - namesKey(roomID):          userId -> userName (HASH)
//   - cursorKey(roomID, userID): last presence payload (STRING with TTL)
//   - roomsKey():                rooms with at least one member (SET<roomId>)
//
// The hash tag keeps a room's keys on one cluster slot so the cleanup
// script can touch both.
const (
	keyRoomFmt   = "presence:room:{%s}"
	keyNamesFmt  = "presence:names:{%s}"
	keyCursorFmt = "presence:cursor:{%s}:%s"
	keyRoomsSet  = "presence:rooms"
)

func roomKey(roomID string) string           { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string          { return fmt.Sprintf(keyNamesFmt, roomID) }
func cursorKey(roomID, userID string) string { return fmt.Sprintf(keyCursorFmt, roomID, userID) }
func roomsKey() string                       { return keyRoomsSet }
