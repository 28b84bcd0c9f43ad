package wire

// Tag identifies the semantic kind of a message on the fabric. Tags are
// contiguous small integers (spec §4.F, §6); any tag at or above
// MsgOffsetBatched denotes a fragment of a batched send, with the original
// tag recovered by subtracting the offset.
type Tag int32

const (
	TagRequestNode Tag = iota + 1
	TagRequestNodeOneshot
	TagOfferAdoption
	TagAnswerAdoptionOffer
	TagRejectOneshot
	TagSendJobDescription
	TagQueryJobDescription
	TagNotifyVolumeUpdate
	TagQueryVolume
	TagNotifyNodeLeavingJob
	TagNotifyResultFound
	TagNotifyResultObsolete
	TagNotifyJobAborting
	TagNotifyJobTerminating
	TagNotifyJobInterrupt
	TagSendApplicationMessage
	TagWarmup
	TagReleaseFromWaiting

	// tagCount is one past the highest tag ever assigned; MsgOffsetBatched
	// must stay comfortably above it so that tag+offset never collides
	// with an unrelated unbatched tag.
	tagCount
)

// MsgOffsetBatched marks a tag as carrying one fragment of a batched send.
// A tag t is batched iff t >= MsgOffsetBatched; its base tag is
// t - MsgOffsetBatched.
const MsgOffsetBatched Tag = 1 << 16

// Batched returns the wire tag to use for a fragment of a send originally
// posted under tag t.
func (t Tag) Batched() Tag {
	return t + MsgOffsetBatched
}

// IsBatched reports whether t denotes a fragment.
func (t Tag) IsBatched() bool {
	return t >= MsgOffsetBatched
}

// Base returns the original, unbatched tag. It is a no-op if t is not
// batched.
func (t Tag) Base() Tag {
	if t.IsBatched() {
		return t - MsgOffsetBatched
	}
	return t
}

func (t Tag) String() string {
	switch t.Base() {
	case TagRequestNode:
		return "REQUEST_NODE"
	case TagRequestNodeOneshot:
		return "REQUEST_NODE_ONESHOT"
	case TagOfferAdoption:
		return "OFFER_ADOPTION"
	case TagAnswerAdoptionOffer:
		return "ANSWER_ADOPTION_OFFER"
	case TagRejectOneshot:
		return "REJECT_ONESHOT"
	case TagSendJobDescription:
		return "SEND_JOB_DESCRIPTION"
	case TagQueryJobDescription:
		return "QUERY_JOB_DESCRIPTION"
	case TagNotifyVolumeUpdate:
		return "NOTIFY_VOLUME_UPDATE"
	case TagQueryVolume:
		return "QUERY_VOLUME"
	case TagNotifyNodeLeavingJob:
		return "NOTIFY_NODE_LEAVING_JOB"
	case TagNotifyResultFound:
		return "NOTIFY_RESULT_FOUND"
	case TagNotifyResultObsolete:
		return "NOTIFY_RESULT_OBSOLETE"
	case TagNotifyJobAborting:
		return "NOTIFY_JOB_ABORTING"
	case TagNotifyJobTerminating:
		return "NOTIFY_JOB_TERMINATING"
	case TagNotifyJobInterrupt:
		return "NOTIFY_JOB_INTERRUPT"
	case TagSendApplicationMessage:
		return "SEND_APPLICATION_MESSAGE"
	case TagWarmup:
		return "WARMUP"
	case TagReleaseFromWaiting:
		return "RELEASE_FROM_WAITING"
	default:
		return "UNKNOWN_TAG"
	}
}
