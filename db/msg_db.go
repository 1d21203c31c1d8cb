package db

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// MsgDB journals consensus network messages keyed by (block_id, msg_id). Two
// instances exist per node, one for the outgoing and one for the incoming
// direction. The engine replays the incoming journal of the next height on
// bootstrap; the outgoing journal is only written.
type MsgDB struct {
	store *Store
}

// NewMsgDB opens a message journal named by direction ("outgoing_msgs" or
// "incoming_msgs").
func NewMsgDB(dir, direction string, nodeID uint64, logger hclog.Logger) (*MsgDB, error) {
	store, err := Open(dir, fmt.Sprintf("%s_%d.db", direction, nodeID), logger)
	if err != nil {
		return nil, err
	}
	return &MsgDB{store: store}, nil
}

// SaveMsg journals one message.
func (m *MsgDB) SaveMsg(blockID, msgID uint64, serialized []byte) error {
	return m.store.put(Key(blockID, msgID), serialized)
}

// ReadMsgs returns every journaled message for the height keyed by msg id.
func (m *MsgDB) ReadMsgs(blockID uint64) (map[uint64][]byte, error) {
	return m.store.readSet(blockID)
}

// Close closes the store.
func (m *MsgDB) Close() error {
	return m.store.Close()
}
