package schain

import "reflect"

const (
	ProposalTag uint8 = iota
	DAProofTag
	DASigShareTag
	BvBroadcastTag
	AuxBroadcastTag
	ConsensusCommitTag
	BlockSignTag
	CatchupReqTag
	CatchupRspTag
)

var proposalMsg ProposalMsg
var daProofMsg DAProofMsg
var daSigShareMsg DASigShareMsg
var bvMsg BvBroadcastMsg
var auxMsg AuxBroadcastMsg
var commitMsg CommitMsg
var blockSignMsg BlockSignMsg
var catchupReqMsg CatchupRequestMsg
var catchupRspMsg CatchupResponseMsg

var reflectedTypesMap = map[uint8]reflect.Type{
	ProposalTag:        reflect.TypeOf(proposalMsg),
	DAProofTag:         reflect.TypeOf(daProofMsg),
	DASigShareTag:      reflect.TypeOf(daSigShareMsg),
	BvBroadcastTag:     reflect.TypeOf(bvMsg),
	AuxBroadcastTag:    reflect.TypeOf(auxMsg),
	ConsensusCommitTag: reflect.TypeOf(commitMsg),
	BlockSignTag:       reflect.TypeOf(blockSignMsg),
	CatchupReqTag:      reflect.TypeOf(catchupReqMsg),
	CatchupRspTag:      reflect.TypeOf(catchupRspMsg),
}

// itemTags are the message types answered with a connection status pair; the
// rest are fire-and-forget broadcasts.
var itemTags = []uint8{ProposalTag, DAProofTag}

// tagOf maps a message value back to its wire tag.
func tagOf(msg interface{}) (uint8, bool) {
	switch msg.(type) {
	case ProposalMsg:
		return ProposalTag, true
	case DAProofMsg:
		return DAProofTag, true
	case DASigShareMsg:
		return DASigShareTag, true
	case BvBroadcastMsg:
		return BvBroadcastTag, true
	case AuxBroadcastMsg:
		return AuxBroadcastTag, true
	case CommitMsg:
		return ConsensusCommitTag, true
	case BlockSignMsg:
		return BlockSignTag, true
	case CatchupRequestMsg:
		return CatchupReqTag, true
	case CatchupResponseMsg:
		return CatchupRspTag, true
	default:
		return 0, false
	}
}
