package chat

import (
	"github.com/onnwee/chat-overlay/backend/telemetry"
)

// Bridge correlates locally sent primary-channel messages with the event the
// authoritative realtime transport later reports, so the optimistic local
// entry is updated in place instead of duplicated.
type Bridge struct {
	Stores *Stores
	Cache  *BridgeCache
}

func NewBridge(stores *Stores, cache *BridgeCache) *Bridge {
	return &Bridge{Stores: stores, Cache: cache}
}

// RecordSend registers an optimistic local message right after it was written
// to the wire.
func (b *Bridge) RecordSend(actor, body, localID string) {
	b.Cache.Record(actor, body, localID)
}

// HandleRemote ingests a message reported by the authoritative transport.
// When a pending local send matches (one-shot, TTL-bounded), the remote
// message merges into the optimistic entry; otherwise it goes through the
// normal dedup append.
func (b *Bridge) HandleRemote(channel string, m Message) Message {
	st := b.Stores.Get(channel)
	if localID, ok := b.Cache.Take(m.Actor(), m.Body); ok {
		if merged, found := st.MergeByLocalID(localID, m); found {
			telemetry.IncBridgeCorrelated()
			return merged
		}
	}
	res, merged := st.Append(m)
	if merged {
		telemetry.IncDedupMerges()
	} else {
		telemetry.IncMessagesAppended()
	}
	return res
}

// HandleTranslation applies a translation update to the identified message.
func (b *Bridge) HandleTranslation(channel, msgID, text, status, lang string) bool {
	return b.Stores.Get(channel).PatchTranslation(msgID, text, status, lang)
}
