package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/normalize"
	"github.com/matheus3301/huddle/internal/outbox"
	"github.com/matheus3301/huddle/internal/remote"
	"github.com/matheus3301/huddle/internal/status"
	"go.uber.org/zap"
)

// ErrNotFailed is returned when re-sending a message that did not fail.
var ErrNotFailed = errors.New("message has not failed")

// current returns the generation and identities of the loaded conversation.
func (s *Session) current() (uint64, model.Conversation, model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return 0, model.Conversation{}, model.User{}, ErrNoConversation
	}
	return s.gen, *s.conv, *s.user, nil
}

func (s *Session) requireMessage(op, id string) error {
	if _, ok := s.Message(id); !ok {
		return remote.E(op, remote.ErrNotFound, fmt.Errorf("message %s", id))
	}
	return nil
}

// AddReaction reacts to a message as the local user. The local state only
// changes once the store accepted the write; a duplicate reaction is
// treated as success.
func (s *Session) AddReaction(ctx context.Context, messageID, emoji string) error {
	gen, conv, user, err := s.current()
	if err != nil {
		return err
	}
	if err := s.requireMessage("add reaction", messageID); err != nil {
		return err
	}
	r := model.Reaction{MessageID: messageID, UserID: user.ID, Emoji: emoji}
	if err := s.remote.InsertReaction(ctx, r); err != nil && !errors.Is(err, remote.ErrConflict) {
		return err
	}
	return ignoreStale(s.reaction(ctx, gen, conv.ID, remote.OpInsert, r))
}

// RemoveReaction withdraws the local user's reaction. Removing a reaction
// that is already gone is treated as success.
func (s *Session) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	gen, conv, user, err := s.current()
	if err != nil {
		return err
	}
	if err := s.requireMessage("remove reaction", messageID); err != nil {
		return err
	}
	r := model.Reaction{MessageID: messageID, UserID: user.ID, Emoji: emoji}
	if err := s.remote.DeleteReaction(ctx, r); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return ignoreStale(s.reaction(ctx, gen, conv.ID, remote.OpDelete, r))
}

// EditMessage replaces the content of a message. Only the author may edit;
// the store's refusal is returned as remote.ErrForbidden and nothing
// changes locally.
func (s *Session) EditMessage(ctx context.Context, id, content string) error {
	gen, _, _, err := s.current()
	if err != nil {
		return err
	}
	if err := s.requireMessage("edit message", id); err != nil {
		return err
	}
	m, err := s.remote.UpdateMessage(ctx, id, remote.MessagePatch{Content: &content})
	if err != nil {
		return err
	}
	return ignoreStale(s.updateMessage(ctx, gen, *m))
}

// PinMessage sets the pinned flag. Any member may pin.
func (s *Session) PinMessage(ctx context.Context, id string, pinned bool) error {
	gen, _, _, err := s.current()
	if err != nil {
		return err
	}
	if err := s.requireMessage("pin message", id); err != nil {
		return err
	}
	m, err := s.remote.UpdateMessage(ctx, id, remote.MessagePatch{Pinned: &pinned})
	if err != nil {
		return err
	}
	return ignoreStale(s.updateMessage(ctx, gen, *m))
}

// DeleteMessage deletes a message. The store cascades the removal of its
// reactions, receipts and attachments.
func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	gen, conv, _, err := s.current()
	if err != nil {
		return err
	}
	if err := s.requireMessage("delete message", id); err != nil {
		return err
	}
	if err := s.remote.DeleteMessage(ctx, id); err != nil {
		return err
	}
	return ignoreStale(s.deleteMessage(gen, conv.ID, id))
}

// SendMessage shows d as a pending message and hands it to the sender. On
// failure the message stays visible as failed until re-sent with
// ResendMessage.
func (s *Session) SendMessage(ctx context.Context, d outbox.Draft) (model.MessageView, error) {
	gen, conv, user, err := s.current()
	if err != nil {
		return model.MessageView{}, err
	}
	if d.ConversationID == "" {
		d.ConversationID = conv.ID
	}
	if d.ConversationID != conv.ID {
		return model.MessageView{}, fmt.Errorf("%w: %s", ErrNoConversation, d.ConversationID)
	}
	if err := d.Validate(); err != nil {
		return model.MessageView{}, err
	}
	return s.send(ctx, gen, outbox.NewClientID(), d, user)
}

// ReplyTo sends content as a reply to a cached message.
func (s *Session) ReplyTo(ctx context.Context, parentID, content string) (model.MessageView, error) {
	if err := s.requireMessage("reply", parentID); err != nil {
		return model.MessageView{}, err
	}
	return s.SendMessage(ctx, outbox.Draft{Content: content, ReplyToID: &parentID})
}

// ResendMessage retries a failed send. Only the user triggers this; failed
// sends are never retried automatically.
func (s *Session) ResendMessage(ctx context.Context, clientID string) (model.MessageView, error) {
	gen, _, user, err := s.current()
	if err != nil {
		return model.MessageView{}, err
	}
	s.mu.Lock()
	d, ok := s.drafts[clientID]
	i := s.index(clientID)
	failed := i >= 0 && s.messages[i].State == status.Failed
	s.mu.Unlock()
	if !ok || !failed {
		return model.MessageView{}, fmt.Errorf("%w: %s", ErrNotFailed, clientID)
	}
	return s.send(ctx, gen, clientID, d, user)
}

func (s *Session) send(ctx context.Context, gen uint64, clientID string, d outbox.Draft, user model.User) (model.MessageView, error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return model.MessageView{}, ErrStale
	}
	if i := s.index(clientID); i >= 0 {
		if err := s.machine.Transition(clientID, status.Sending); err != nil {
			s.mu.Unlock()
			return model.MessageView{}, err
		}
		s.messages[i].State = status.Sending
		settle(&s.messages[i])
	} else {
		var preview *model.ReplyPreview
		if d.ReplyToID != nil {
			j := s.index(*d.ReplyToID)
			if j < 0 {
				s.mu.Unlock()
				return model.MessageView{}, remote.E("send message", remote.ErrNotFound, fmt.Errorf("reply parent %s", *d.ReplyToID))
			}
			preview = normalize.Preview(s.messages[j].Message, s.dir)
		}
		s.machine.Track(clientID, status.Sending)
		s.insert(model.MessageView{
			Message: model.Message{
				ID:             clientID,
				ClientID:       clientID,
				ConversationID: d.ConversationID,
				AuthorID:       user.ID,
				Content:        d.Content,
				ReplyToID:      d.ReplyToID,
				CreatedAt:      s.now().UTC(),
			},
			Author:  s.dir.Stub(user.ID),
			ReplyTo: preview,
			State:   status.Sending,
		})
	}
	s.drafts[clientID] = d
	s.mu.Unlock()
	s.publish(d.ConversationID, "sending", clientID)

	res, sendErr := s.sender.Send(ctx, clientID, d)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if sendErr != nil {
			return model.MessageView{}, sendErr
		}
		return model.MessageView{Message: res.Message, State: status.Sent, Attachments: res.Attachments}, nil
	}

	if sendErr != nil {
		var out model.MessageView
		if i := s.index(clientID); i >= 0 {
			if err := s.machine.Transition(clientID, status.Failed); err != nil {
				s.logger.Debug("failed send outside lifecycle", zap.String("client_msg_id", clientID), zap.Error(err))
			}
			s.messages[i].State = status.Failed
			settle(&s.messages[i])
			out = clone(s.messages[i])
		}
		s.mu.Unlock()
		s.publish(d.ConversationID, "send_failed", clientID)
		return out, sendErr
	}

	delete(s.drafts, clientID)
	if i := s.index(res.Message.ID); i >= 0 {
		// The change feed echo arrived first and already took the pending slot.
		mergeAttachments(&s.messages[i], res.Attachments...)
		if j := s.index(clientID); j >= 0 {
			s.remove(j)
		}
	} else if j := s.index(clientID); j >= 0 {
		v := s.messages[j]
		s.remove(j)
		v.Message = res.Message
		v.State = status.Sent
		mergeAttachments(&v, res.Attachments...)
		s.promote(clientID, res.Message.ID)
		s.insert(v)
	}

	var out model.MessageView
	if i := s.index(res.Message.ID); i >= 0 {
		out = clone(s.messages[i])
	}
	n := len(s.messages)
	s.mu.Unlock()

	s.metrics.SetMessages(n)
	s.publish(d.ConversationID, "sent", res.Message.ID)
	return out, nil
}
