package conversation

import (
	"context"
	"errors"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/normalize"
	"github.com/matheus3301/huddle/internal/remote"
	"github.com/matheus3301/huddle/internal/status"
	"go.uber.org/zap"
)

// begin captures the generation for a change to conversationID. Changes for
// another conversation are ignored; changes that arrive while the snapshot
// is loading mark it dirty so it is refreshed once committed.
func (s *Session) begin(conversationID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" || s.active != conversationID {
		return 0, false
	}
	if !s.loaded {
		s.dirty = true
		return 0, false
	}
	return s.gen, true
}

// ignoreStale swallows ErrStale: the change belonged to a conversation that
// is no longer open.
func ignoreStale(err error) error {
	if errors.Is(err, ErrStale) {
		return nil
	}
	return err
}

// ensureProfiles adds missing user stubs to the directory.
func (s *Session) ensureProfiles(ctx context.Context, gen uint64, ids ...string) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStale
	}
	var missing []string
	for _, id := range ids {
		if id != "" && !s.dir.Has(id) {
			missing = append(missing, id)
		}
	}
	s.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	profiles, err := s.remote.Profiles(ctx, missing)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrStale
	}
	for _, p := range profiles {
		s.dir[p.UserID] = p.Stub()
	}
	return nil
}

// ApplyInsert adds a message pushed by the change feed. The echo of a
// message sent from this session replaces its pending copy. A reply whose
// parent is not cached triggers a full reload.
func (s *Session) ApplyInsert(ctx context.Context, m model.Message) error {
	gen, ok := s.begin(m.ConversationID)
	if !ok {
		return nil
	}
	return ignoreStale(s.insertMessage(ctx, gen, m))
}

func (s *Session) insertMessage(ctx context.Context, gen uint64, m model.Message) error {
	if err := s.ensureProfiles(ctx, gen, m.AuthorID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStale
	}
	if i := s.index(m.ID); i >= 0 {
		v := &s.messages[i]
		confirmed := !v.Confirmed
		v.Confirmed = true
		settle(v)
		s.mu.Unlock()
		if confirmed {
			s.publish(m.ConversationID, "confirmed", m.ID)
		}
		return nil
	}

	var preview *model.ReplyPreview
	if m.ReplyToID != nil {
		j := s.index(*m.ReplyToID)
		if j < 0 {
			s.mu.Unlock()
			s.logger.Debug("reply parent not cached, reloading",
				zap.String("message_id", m.ID), zap.String("reply_to_id", *m.ReplyToID))
			return s.refresh(ctx, gen)
		}
		preview = normalize.Preview(s.messages[j].Message, s.dir)
	}

	v := model.MessageView{
		Message:   m,
		Author:    s.dir.Stub(m.AuthorID),
		ReplyTo:   preview,
		State:     status.Sent,
		Confirmed: true,
	}
	if m.EditedAt != nil {
		v.State = status.Edited
	}

	if j := s.index(m.ClientID); m.ClientID != "" && j >= 0 {
		pending := s.messages[j]
		v.Attachments = pending.Attachments
		s.remove(j)
		s.promote(m.ClientID, m.ID)
		delete(s.drafts, m.ClientID)
	} else {
		s.machine.Track(m.ID, v.State)
	}
	s.insert(v)
	n := len(s.messages)
	s.mu.Unlock()

	s.metrics.SetMessages(n)
	s.publish(m.ConversationID, "insert", m.ID)
	return nil
}

// promote moves a pending message's lifecycle state to its server id and
// marks it sent. Callers hold mu.
func (s *Session) promote(clientID, id string) {
	s.machine.Rekey(clientID, id)
	if st, ok := s.machine.Current(id); ok && st == status.Sending {
		if err := s.machine.Transition(id, status.Sent); err == nil {
			return
		}
	}
	s.machine.Track(id, status.Sent)
}

// ApplyUpdate patches the content, edit time and pin flag of a cached
// message. An unknown message triggers a full reload.
func (s *Session) ApplyUpdate(ctx context.Context, m model.Message) error {
	gen, ok := s.begin(m.ConversationID)
	if !ok {
		return nil
	}
	return ignoreStale(s.updateMessage(ctx, gen, m))
}

func (s *Session) updateMessage(ctx context.Context, gen uint64, m model.Message) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStale
	}
	i := s.index(m.ID)
	if i < 0 {
		s.mu.Unlock()
		return s.refresh(ctx, gen)
	}

	v := &s.messages[i]
	edited := m.EditedAt != nil && (v.EditedAt == nil || !m.EditedAt.Equal(*v.EditedAt))
	v.Content = m.Content
	v.EditedAt = m.EditedAt
	v.Pinned = m.Pinned
	if edited {
		if err := s.machine.Transition(m.ID, status.Edited); err != nil {
			s.machine.Track(m.ID, status.Edited)
		}
		v.State = status.Edited
	}
	settle(v)
	for j := range s.messages {
		if p := s.messages[j].ReplyTo; p != nil && p.ID == m.ID {
			p.Content = m.Content
		}
	}
	s.mu.Unlock()

	s.publish(m.ConversationID, "update", m.ID)
	return nil
}

// ApplyDelete removes a message with its reactions, receipts and
// attachments. Replies to it keep existing without their parent.
func (s *Session) ApplyDelete(_ context.Context, m model.Message) error {
	gen, ok := s.begin(m.ConversationID)
	if !ok {
		return nil
	}
	return ignoreStale(s.deleteMessage(gen, m.ConversationID, m.ID))
}

func (s *Session) deleteMessage(gen uint64, conversationID, id string) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStale
	}
	i := s.index(id)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	s.remove(i)
	if err := s.machine.Transition(id, status.Deleted); err != nil {
		s.logger.Debug("delete outside lifecycle", zap.String("message_id", id), zap.Error(err))
	}
	s.machine.Forget(id)
	for j := range s.messages {
		v := &s.messages[j]
		if v.ReplyToID != nil && *v.ReplyToID == id {
			v.ReplyToID = nil
			v.ReplyTo = nil
		}
	}
	n := len(s.messages)
	s.mu.Unlock()

	s.metrics.SetMessages(n)
	s.publish(conversationID, "delete", id)
	return nil
}

// ApplyReaction adds or removes one reaction on a cached message.
func (s *Session) ApplyReaction(ctx context.Context, conversationID string, op remote.Op, r model.Reaction) error {
	gen, ok := s.begin(conversationID)
	if !ok {
		return nil
	}
	return ignoreStale(s.reaction(ctx, gen, conversationID, op, r))
}

func (s *Session) reaction(ctx context.Context, gen uint64, conversationID string, op remote.Op, r model.Reaction) error {
	if op != remote.OpDelete {
		if err := s.ensureProfiles(ctx, gen, r.UserID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStale
	}
	i := s.index(r.MessageID)
	if i < 0 {
		s.mu.Unlock()
		if op == remote.OpDelete {
			return nil
		}
		return s.placeLater(ctx, gen, "reaction", r.MessageID)
	}
	var changed bool
	if op == remote.OpDelete {
		changed = removeReaction(&s.messages[i], r.Emoji, r.UserID)
	} else {
		changed = addReaction(&s.messages[i], r.Emoji, s.dir.Stub(r.UserID))
	}
	s.mu.Unlock()

	if changed {
		s.publish(conversationID, "reaction", r.MessageID)
	}
	return nil
}

// placeLater handles a change whose message is not cached. Tables are fed
// independently, so the message insert may still be on its way; the
// snapshot already holds both.
func (s *Session) placeLater(ctx context.Context, gen uint64, kind, messageID string) error {
	s.logger.Debug("message not cached, reloading",
		zap.String("change", kind), zap.String("message_id", messageID))
	return s.refresh(ctx, gen)
}

func addReaction(v *model.MessageView, emoji string, user model.UserStub) bool {
	for i := range v.Reactions {
		g := &v.Reactions[i]
		if g.Emoji != emoji {
			continue
		}
		if g.Has(user.ID) {
			return false
		}
		g.Users = append(g.Users, user)
		g.Count++
		return true
	}
	v.Reactions = append(v.Reactions, model.ReactionGroup{Emoji: emoji, Count: 1, Users: []model.UserStub{user}})
	return true
}

func removeReaction(v *model.MessageView, emoji, userID string) bool {
	for i := range v.Reactions {
		g := &v.Reactions[i]
		if g.Emoji != emoji {
			continue
		}
		for j, u := range g.Users {
			if u.ID != userID {
				continue
			}
			g.Users = append(g.Users[:j], g.Users[j+1:]...)
			g.Count--
			if g.Count == 0 {
				v.Reactions = append(v.Reactions[:i], v.Reactions[i+1:]...)
			}
			return true
		}
		return false
	}
	return false
}

// ApplyReceipt records that a user read a cached message.
func (s *Session) ApplyReceipt(ctx context.Context, conversationID string, r model.ReadReceipt) error {
	gen, ok := s.begin(conversationID)
	if !ok {
		return nil
	}
	if err := s.ensureProfiles(ctx, gen, r.UserID); err != nil {
		return ignoreStale(err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	i := s.index(r.MessageID)
	if i < 0 {
		s.mu.Unlock()
		return ignoreStale(s.placeLater(ctx, gen, "receipt", r.MessageID))
	}
	if s.messages[i].HasReceipt(r.UserID) {
		s.mu.Unlock()
		return nil
	}
	v := &s.messages[i]
	v.ReadBy = append(v.ReadBy, model.ReceiptView{User: s.dir.Stub(r.UserID), ReadAt: r.ReadAt})
	settle(v)
	s.mu.Unlock()

	s.publish(conversationID, "receipt", r.MessageID)
	return nil
}

// ApplyAttachment adds an attachment to a cached message.
func (s *Session) ApplyAttachment(ctx context.Context, conversationID string, a model.Attachment) error {
	gen, ok := s.begin(conversationID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	i := s.index(a.MessageID)
	if i < 0 {
		s.mu.Unlock()
		return ignoreStale(s.placeLater(ctx, gen, "attachment", a.MessageID))
	}
	changed := mergeAttachments(&s.messages[i], a)
	s.mu.Unlock()

	if changed {
		s.publish(conversationID, "attachment", a.MessageID)
	}
	return nil
}

func mergeAttachments(v *model.MessageView, as ...model.Attachment) bool {
	changed := false
	for _, a := range as {
		dup := false
		for _, have := range v.Attachments {
			if have.ID == a.ID {
				dup = true
				break
			}
		}
		if !dup {
			v.Attachments = append(v.Attachments, a)
			changed = true
		}
	}
	return changed
}
