package domain

import "strconv"

// Identity is the resolved identity of a message: LocalIdentity until the
// server confirms it, ConfirmedIdentity afterwards. The set of variants is
// closed; switch on the concrete type.
type Identity interface {
	// Key is unique across both variants and stable while the variant holds.
	Key() string
	isIdentity()
}

type LocalIdentity struct {
	TempId ClientTempId
}

type ConfirmedIdentity struct {
	Id MsgId
}

func (i LocalIdentity) Key() string     { return "local:" + i.TempId }
func (i ConfirmedIdentity) Key() string { return "id:" + strconv.FormatInt(i.Id, 10) }

func (LocalIdentity) isIdentity()     {}
func (ConfirmedIdentity) isIdentity() {}

func (i LocalIdentity) String() string     { return i.Key() }
func (i ConfirmedIdentity) String() string { return i.Key() }
