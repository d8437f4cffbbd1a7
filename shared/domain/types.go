package domain

type (
	UserId         = int64
	UserType       = string
	ConversationId = int64
	MsgId          = int64
	MsgText        = string

	// ClientTempId correlates an optimistic message with its server confirmation.
	ClientTempId = string
	// LocalId identifies a staged attachment for its whole lifetime.
	LocalId = string
)
