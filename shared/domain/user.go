package domain

// User is the signed-in user the client acts for.
type User struct {
	Id   UserId
	Type UserType
}

// Credentials carry what the realtime channel needs to open. A zero Id or an
// empty AuthToken means realtime is unavailable and the client runs REST-only.
type Credentials struct {
	User
	AuthToken string
}

func (c Credentials) Complete() bool {
	return c.Id != 0 && c.Type != "" && c.AuthToken != ""
}
