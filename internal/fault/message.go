package fault

// Surface identifies where a failure is displayed; each has its own generic
// message.
type Surface int

const (
	// ChatSend is a failed chat message.
	ChatSend Surface = iota

	// ChatInit is a chat client that could not be initialised.
	ChatInit

	// VoiceStart is a voice session that failed to start.
	VoiceStart

	// VoiceSession is an error reported by a running voice session.
	VoiceSession
)

// String returns the surface label used in logs and metrics.
func (s Surface) String() string {
	switch s {
	case ChatSend:
		return "chat_send"
	case ChatInit:
		return "chat_init"
	case VoiceStart:
		return "voice_start"
	case VoiceSession:
		return "voice_session"
	default:
		return "unknown"
	}
}

// Fixed user-facing texts.
const (
	MsgOverload     = "The service is receiving too many requests right now. Please try again later."
	MsgChatSend     = "Sorry, I encountered an error. Please try again."
	MsgChatInit     = "Error: Could not initialize AI. Please check your API key and configuration."
	MsgVoiceStart   = "An error occurred while starting the session. Please try again."
	MsgVoiceSession = "A session error occurred. Please try starting again."
)

// Message renders err for display on surface s. Quota and rate-limit errors
// always render the overload message.
func Message(s Surface, err error) string {
	if IsQuota(err) {
		return MsgOverload
	}
	switch s {
	case ChatInit:
		return MsgChatInit
	case VoiceStart:
		return MsgVoiceStart
	case VoiceSession:
		return MsgVoiceSession
	default:
		return MsgChatSend
	}
}
