package cache

import "fmt"

// Key layout. The doc id sits in a hash tag so one document's keys share a
// cluster slot and the cleanup script can touch both.
//   roomKey(docID):  ZSet<userId, expireAtUnix>, score is the logical TTL
//   stateKey(docID): Hash<userId -> UserPresence json>
//   docsKey():       Set<docID> of documents that ever had presence

const (
	keyRoomFmt  = "collab:presence:room:{doc:%s}"
	keyStateFmt = "collab:presence:state:{doc:%s}"
	keyDocsSet  = "collab:presence:docs"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func stateKey(docID string) string { return fmt.Sprintf(keyStateFmt, docID) }
func docsKey() string              { return keyDocsSet }
