package domain

import (
	"fmt"
	"time"
)

// for debug
func (m *Message) String() string {
	s := fmt.Sprintf("[%v, status:%s, sender:%d, body:%q, created:%s, attachments:[", m.Identity, m.Status, m.SenderId, m.Body, m.CreatedAt.Format(time.StampMilli))
	for i, atch := range m.Attachments {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("{local:%s remote:%s mime:%s}", atch.LocalId, atch.RemotePath, atch.MimeType)
	}
	return s + "]]"
}
