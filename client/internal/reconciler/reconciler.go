// Package reconciler merges optimistic sends, authoritative snapshots and
// pushed events into one ordered, deduplicated message sequence.
//
// Positions are stable: once inserted, a message never moves relative to
// the other messages. Mutations only replace an entry in place (status,
// identity, content) or remove a duplicate.
package reconciler

import (
	"sync"
	"time"

	"github.com/itchan-dev/chatsync/shared/domain"
	"github.com/itchan-dev/chatsync/shared/logger"
	"github.com/itchan-dev/chatsync/shared/utils"
)

// Releaser revokes the preview URLs of attachments whose message left the
// pending state.
type Releaser interface {
	Release(localIds ...domain.LocalId)
}

// ReadMarker tells the server the user has seen the conversation.
type ReadMarker interface {
	MarkRead(conversationId domain.ConversationId)
}

type Reconciler struct {
	conversationId domain.ConversationId
	releaser       Releaser
	reads          ReadMarker
	now            func() time.Time

	mu       sync.Mutex
	messages []domain.Message
	index    map[string]int // Identity.Key() -> position

	notifyMu sync.Mutex
	onChange func([]domain.Message)
}

// New creates an empty reconciler. releaser and reads may be nil.
func New(conversationId domain.ConversationId, releaser Releaser, reads ReadMarker) *Reconciler {
	return &Reconciler{
		conversationId: conversationId,
		releaser:       releaser,
		reads:          reads,
		now:            time.Now,
		index:          make(map[string]int),
	}
}

// OnChange registers f to receive a copy of the sequence after every
// mutation, in mutation order. f may read from the reconciler but must not
// mutate it, and it delays the next mutation until it returns.
func (r *Reconciler) OnChange(f func([]domain.Message)) {
	r.notifyMu.Lock()
	r.onChange = f
	r.notifyMu.Unlock()
}

func (r *Reconciler) ConversationId() domain.ConversationId {
	return r.conversationId
}

// Messages returns a deep copy of the sequence.
func (r *Reconciler) Messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Local returns the unconfirmed entry for tempId.
func (r *Reconciler) Local(tempId domain.ClientTempId) (domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[domain.LocalIdentity{TempId: tempId}.Key()]
	if !ok {
		return domain.Message{}, false
	}
	return r.messages[i].Clone(), true
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *Reconciler) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Clone()
	}
	return out
}

// lock is taken by every mutation. notifyMu comes first so that readers
// called from the change callback, which hold notifyMu, never wait behind
// a mutation that waits for them.
func (r *Reconciler) lock() {
	r.notifyMu.Lock()
	r.mu.Lock()
}

func (r *Reconciler) unlock() {
	r.mu.Unlock()
	r.notifyMu.Unlock()
}

// commitLocked hands the new state to the change callback. Called with
// both locks held; returns with both released. Readers may run while the
// callback does, the next mutation may not.
func (r *Reconciler) commitLocked() {
	snap := r.snapshotLocked()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	if r.onChange != nil {
		r.onChange(snap)
	}
}

func (r *Reconciler) reindexLocked() {
	r.index = make(map[string]int, len(r.messages))
	for i, m := range r.messages {
		r.index[m.Identity.Key()] = i
	}
}

func (r *Reconciler) appendLocked(m domain.Message) {
	r.index[m.Identity.Key()] = len(r.messages)
	r.messages = append(r.messages, m)
}

func (r *Reconciler) removeLocked(i int) {
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	r.reindexLocked()
}

// releaseLocked revokes the entry's previews and forgets the URLs. Sources
// stay so a failed entry can be resent.
func (r *Reconciler) releaseLocked(m *domain.Message) {
	ids := domain.LocalIds(m.Attachments)
	if len(ids) == 0 {
		return
	}
	if r.releaser != nil {
		r.releaser.Release(ids...)
	}
	for k := range m.Attachments {
		m.Attachments[k].LocalPreviewURL = ""
	}
}

// LoadSnapshot replaces the sequence with the server's view. Kept after the
// snapshot, in their current relative order: local pending and failed
// entries the server does not yet know, and confirmed entries newer than
// anything in the snapshot. Status never regresses for ids already known.
func (r *Reconciler) LoadSnapshot(serverMessages []domain.Message) {
	r.lock()

	known := make(map[domain.MsgId]domain.Message, len(r.messages))
	for _, m := range r.messages {
		if id, ok := m.ServerId(); ok {
			known[id] = m
		}
	}

	next := make([]domain.Message, 0, len(serverMessages)+len(r.messages))
	inSnapshot := make(map[domain.MsgId]bool, len(serverMessages))
	echoed := make(map[domain.ClientTempId]bool)
	var newest time.Time

	for _, sm := range serverMessages {
		id, ok := sm.ServerId()
		if !ok || inSnapshot[id] {
			continue
		}
		inSnapshot[id] = true
		if sm.ClientTempId != "" {
			echoed[sm.ClientTempId] = true
		}
		if sm.CreatedAt.After(newest) {
			newest = sm.CreatedAt
		}

		m := sm.Clone()
		m.ConversationId = r.conversationId
		m.Status = confirmedStatus(sm)
		if cur, ok := known[id]; ok {
			mergeStatus(&m, cur)
		}
		next = append(next, m)
	}

	for i := range r.messages {
		m := r.messages[i]
		if m.IsLocal() {
			if echoed[m.ClientTempId] {
				// the server has it; the snapshot copy takes over
				r.releaseLocked(&m)
				continue
			}
			next = append(next, m)
			continue
		}
		id, _ := m.ServerId()
		if !inSnapshot[id] && m.CreatedAt.After(newest) {
			next = append(next, m)
		}
	}

	r.messages = next
	r.reindexLocked()
	logger.Log.Debug("snapshot loaded", "conversation", r.conversationId, "server", len(serverMessages), "total", len(next))
	r.commitLocked()
}

// ApplyOptimistic appends m as pending and returns its clientTempId,
// generating one if m has none.
func (r *Reconciler) ApplyOptimistic(m domain.Message) domain.ClientTempId {
	if m.ClientTempId == "" {
		m.ClientTempId = utils.NewClientTempId()
	}
	m.Identity = domain.LocalIdentity{TempId: m.ClientTempId}
	m.ConversationId = r.conversationId
	m.Status = domain.StatusPending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	m = m.Clone()

	r.lock()
	if _, exists := r.index[m.Identity.Key()]; exists {
		r.unlock()
		logger.Log.Warn("clientTempId reused, ignoring", "conversation", r.conversationId, "clientTempId", m.ClientTempId)
		return m.ClientTempId
	}
	r.appendLocked(m)
	r.commitLocked()
	return m.ClientTempId
}

// ApplyConfirmation replaces the local entry for tempId, in place, with the
// server's message. A confirmation wins even over a failure recorded for
// the same request. A copy of the same id already inserted by a push is
// folded into the local entry's position. With no local entry the message
// is merged or appended like a pushed one.
func (r *Reconciler) ApplyConfirmation(tempId domain.ClientTempId, server domain.Message) {
	if _, ok := server.ServerId(); !ok {
		logger.Log.Warn("confirmation without server id", "conversation", r.conversationId, "clientTempId", tempId)
		return
	}

	r.lock()
	if !r.confirmLocked(tempId, server) {
		r.unlock()
		return
	}
	r.commitLocked()
}

func (r *Reconciler) confirmLocked(tempId domain.ClientTempId, server domain.Message) bool {
	id, _ := server.ServerId()
	confirmedKey := domain.ConfirmedIdentity{Id: id}.Key()
	i, hasLocal := r.index[domain.LocalIdentity{TempId: tempId}.Key()]
	if !hasLocal {
		return r.upsertConfirmedLocked(server)
	}
	j, hasPushed := r.index[confirmedKey]

	local := r.messages[i]
	m := server.Clone()
	m.Identity = domain.ConfirmedIdentity{Id: id}
	m.ClientTempId = tempId
	m.ConversationId = r.conversationId
	m.Status = confirmedStatus(server)
	m.Attachments = mergeAttachments(local.Attachments, m.Attachments)
	if hasPushed {
		mergeStatus(&m, r.messages[j])
	}
	r.releaseLocked(&local)

	r.messages[i] = m
	delete(r.index, local.Identity.Key())
	r.index[confirmedKey] = i
	if hasPushed {
		r.removeLocked(j)
	}
	logger.Log.Debug("message confirmed", "conversation", r.conversationId, "clientTempId", tempId, "id", id)
	return true
}

// ApplyFailure marks a pending entry failed, in place. Entries that are
// already failed or confirmed are left alone.
func (r *Reconciler) ApplyFailure(tempId domain.ClientTempId) {
	r.lock()
	i, ok := r.index[domain.LocalIdentity{TempId: tempId}.Key()]
	if !ok || r.messages[i].Status != domain.StatusPending {
		r.unlock()
		return
	}
	m := &r.messages[i]
	m.Status = domain.StatusFailed
	r.releaseLocked(m)
	r.commitLocked()
}

// ApplyPushedEvent merges a server message that arrived over the channel.
// A known id gets a monotonic status update; an echo of a pending local
// entry confirms it in place; an echo of a failed one is ignored; anything
// else is appended.
func (r *Reconciler) ApplyPushedEvent(server domain.Message) {
	if _, ok := server.ServerId(); !ok {
		return
	}

	r.lock()
	changed := false
	if i, ok := r.index[domain.LocalIdentity{TempId: server.ClientTempId}.Key()]; ok && server.ClientTempId != "" {
		if r.messages[i].Status != domain.StatusFailed {
			changed = r.confirmLocked(server.ClientTempId, server)
		}
	} else {
		changed = r.upsertConfirmedLocked(server)
	}
	if !changed {
		r.unlock()
		return
	}
	r.commitLocked()
}

// upsertConfirmedLocked reports whether anything changed.
func (r *Reconciler) upsertConfirmedLocked(server domain.Message) bool {
	id, _ := server.ServerId()
	if i, ok := r.index[domain.ConfirmedIdentity{Id: id}.Key()]; ok {
		return mergeStatus(&r.messages[i], server)
	}
	m := server.Clone()
	m.ConversationId = r.conversationId
	m.Status = confirmedStatus(server)
	r.appendLocked(m)
	return true
}

// MarkRead asks the server to mark the conversation read. Local state is
// untouched; read receipts come back through pushes and snapshots.
func (r *Reconciler) MarkRead() {
	if r.reads != nil {
		r.reads.MarkRead(r.conversationId)
	}
}

// confirmedStatus is at least sent and agrees with the timestamps.
func confirmedStatus(m domain.Message) domain.Status {
	return domain.StatusSent.Max(m.Status).Max(domain.StatusFromTimestamps(m.DeliveredAt, m.ReadAt))
}

// mergeStatus advances dst to src's status if that is forward, carrying the
// delivery timestamps. Reports whether dst changed.
func mergeStatus(dst *domain.Message, src domain.Message) bool {
	changed := false
	if dst.DeliveredAt == nil && src.DeliveredAt != nil {
		t := *src.DeliveredAt
		dst.DeliveredAt = &t
		changed = true
	}
	if dst.ReadAt == nil && src.ReadAt != nil {
		t := *src.ReadAt
		dst.ReadAt = &t
		changed = true
	}
	if dst.Status.CanAdvance(src.Status) && src.Status != domain.StatusFailed {
		dst.Status = src.Status
		changed = true
	}
	if derived := domain.StatusFromTimestamps(dst.DeliveredAt, dst.ReadAt); dst.Status.CanAdvance(derived) && dst.Status != domain.StatusPending {
		dst.Status = derived
		changed = true
	}
	return changed
}

// mergeAttachments keeps local ids on the server's attachments so the UI can
// key them across confirmation; matched by position.
func mergeAttachments(local, server domain.Attachments) domain.Attachments {
	if len(server) == 0 {
		return nil
	}
	out := make(domain.Attachments, len(server))
	copy(out, server)
	for k := range out {
		if k < len(local) {
			out[k].LocalId = local[k].LocalId
		}
		out[k].Source = nil
		out[k].LocalPreviewURL = ""
	}
	return out
}
