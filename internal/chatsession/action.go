package chatsession

// ActionKind tags the variant carried by an Action. The orchestrator
// switches on Kind to decide what I/O or UI update to perform; the
// session itself never performs I/O.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSendType1
	ActionSendType2
	ActionSendType3
	ActionSendType4
	ActionSendType5
	ActionSendType6
	ActionSendType7
	ActionShowInfo
	ActionSessionActive
	ActionDisplayMessage
	ActionDisplaySystemMessage
	ActionShowTyping
	ActionHideTyping
	ActionReset
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "NONE"
	case ActionSendType1:
		return "SEND_TYPE_1"
	case ActionSendType2:
		return "SEND_TYPE_2"
	case ActionSendType3:
		return "SEND_TYPE_3"
	case ActionSendType4:
		return "SEND_TYPE_4"
	case ActionSendType5:
		return "SEND_TYPE_5"
	case ActionSendType6:
		return "SEND_TYPE_6"
	case ActionSendType7:
		return "SEND_TYPE_7"
	case ActionShowInfo:
		return "SHOW_INFO"
	case ActionSessionActive:
		return "SESSION_ACTIVE"
	case ActionDisplayMessage:
		return "DISPLAY_MESSAGE"
	case ActionDisplaySystemMessage:
		return "DISPLAY_SYSTEM_MESSAGE"
	case ActionShowTyping:
		return "SHOW_TYPING"
	case ActionHideTyping:
		return "HIDE_TYPING"
	case ActionReset:
		return "RESET"
	default:
		return "UNKNOWN_ACTION"
	}
}

// Action is the tagged value returned by Session.Process. Only the
// fields relevant to Kind are populated; the rest are zero values.
type Action struct {
	Kind ActionKind

	// ActionSendType4
	PublicKeyForPeer string

	// ActionSendType5 and ActionSendType6: the base64 IV/ciphertext the
	// orchestrator puts on the wire. ChallengeData additionally carries
	// the raw plaintext challenge bytes the session just encrypted (for
	// Type 5) or just decrypted and is re-encrypting (for Type 6).
	IV            string
	Ciphertext    string
	ChallengeData []byte

	// ActionShowInfo
	Message   string
	ShowRetry bool

	// ActionDisplayMessage
	Sender string
	Text   string
	Msg    MessageKind

	// ActionDisplaySystemMessage
	SystemText string

	// ActionReset
	Reason     string
	NotifyUser bool
}

func none() Action { return Action{Kind: ActionNone} }

func reset(reason string, notifyUser bool) Action {
	return Action{Kind: ActionReset, Reason: reason, NotifyUser: notifyUser}
}

func showInfo(message string, showRetry bool) Action {
	return Action{Kind: ActionShowInfo, Message: message, ShowRetry: showRetry}
}

func displayMessage(sender, text string, kind MessageKind) Action {
	return Action{Kind: ActionDisplayMessage, Sender: sender, Text: text, Msg: kind}
}

func displaySystemMessage(text string) Action {
	return Action{Kind: ActionDisplaySystemMessage, SystemText: text}
}
