package cache

import "fmt"

// Key layout:
// - roomKey(docID):             users present in a flow (ZSet<userId>, score = expireAt unix seconds)
// - namesKey(docID):            userId -> display name (Hash)
// - cursorKey(docID, userID):   cursor JSON (String with TTL)
// - selectionKey(docID, userID): selection JSON (String with TTL)
// - docsKey():                  flows that currently have presence (Set<docID>)
//
// The {docID:...} hash tag keeps every key of one flow in the same cluster
// slot so the Lua scripts below can touch them atomically.

const (
	keyRoomFmt      = "presence:room:{docID:%s}"
	keyNamesFmt     = "presence:room:names:{docID:%s}"
	keyCursorFmt    = "presence:cursor:{docID:%s}:%s"
	keySelectionFmt = "presence:selection:{docID:%s}:%s"
	keyDocsSet      = "presence:docs"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID string) string {
	return fmt.Sprintf(keyCursorFmt, docID, userID)
}
func selectionKey(docID, userID string) string {
	return fmt.Sprintf(keySelectionFmt, docID, userID)
}
func docsKey() string { return keyDocsSet }
