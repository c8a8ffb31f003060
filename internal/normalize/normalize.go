// Package normalize joins raw message rows and user profiles into the
// display-ready views the rest of the state layer works with. Everything here
// is a pure function of its inputs.
package normalize

import (
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
	"github.com/matheus3301/huddle/internal/status"
)

// Directory resolves user ids to display stubs.
type Directory map[string]model.UserStub

// NewDirectory indexes profiles by user id.
func NewDirectory(profiles []model.Profile) Directory {
	d := make(Directory, len(profiles))
	for _, p := range profiles {
		d[p.UserID] = p.Stub()
	}
	return d
}

// Stub returns the stub for id, or the Anonymous fallback when the profile
// is unknown.
func (d Directory) Stub(id string) model.UserStub {
	if s, ok := d[id]; ok {
		return s
	}
	return model.Anonymous(id)
}

// Has reports whether a profile for id is known.
func (d Directory) Has(id string) bool {
	_, ok := d[id]
	return ok
}

// Normalize resolves every row against profiles. The output keeps the input
// order. Rows come from the store, so they are confirmed and Sent.
func Normalize(rows []remote.MessageRow, profiles []model.Profile) []model.MessageView {
	return NormalizeWith(rows, NewDirectory(profiles))
}

// NormalizeWith is Normalize with an already built directory.
func NormalizeWith(rows []remote.MessageRow, dir Directory) []model.MessageView {
	out := make([]model.MessageView, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row(r, dir))
	}
	return out
}

// Row builds the view of a single row.
func Row(r remote.MessageRow, dir Directory) model.MessageView {
	v := model.MessageView{
		Message:     r.Message,
		Author:      dir.Stub(r.AuthorID),
		Reactions:   GroupReactions(r.Reactions, dir),
		Attachments: append([]model.Attachment(nil), r.Attachments...),
		ReadBy:      Receipts(r.ReadReceipts, dir),
		State:       status.Sent,
		Confirmed:   true,
	}
	if r.EditedAt != nil {
		v.State = status.Edited
	}
	if r.ReplyParent != nil {
		v.ReplyTo = Preview(*r.ReplyParent, dir)
	}
	v.Delivery = status.DeliveryOf(v.State, v.Confirmed, v.Readers())
	return v
}

// Preview builds the reply preview of a parent message.
func Preview(parent model.Message, dir Directory) *model.ReplyPreview {
	return &model.ReplyPreview{
		ID:      parent.ID,
		Content: parent.Content,
		Author:  dir.Stub(parent.AuthorID),
	}
}

// GroupReactions groups reactions by emoji. Groups keep the order in which
// each emoji first appears and list users in reaction order. A repeated
// (user, emoji) pair is counted once.
func GroupReactions(reactions []model.Reaction, dir Directory) []model.ReactionGroup {
	if len(reactions) == 0 {
		return nil
	}
	idx := make(map[string]int)
	var groups []model.ReactionGroup
	for _, r := range reactions {
		i, ok := idx[r.Emoji]
		if !ok {
			i = len(groups)
			idx[r.Emoji] = i
			groups = append(groups, model.ReactionGroup{Emoji: r.Emoji})
		}
		if groups[i].Has(r.UserID) {
			continue
		}
		groups[i].Users = append(groups[i].Users, dir.Stub(r.UserID))
		groups[i].Count++
	}
	return groups
}

// Receipts resolves readers. One receipt per user is kept, the earliest.
func Receipts(receipts []model.ReadReceipt, dir Directory) []model.ReceiptView {
	if len(receipts) == 0 {
		return nil
	}
	idx := make(map[string]int, len(receipts))
	out := make([]model.ReceiptView, 0, len(receipts))
	for _, r := range receipts {
		if i, ok := idx[r.UserID]; ok {
			if r.ReadAt.Before(out[i].ReadAt) {
				out[i].ReadAt = r.ReadAt
			}
			continue
		}
		idx[r.UserID] = len(out)
		out = append(out, model.ReceiptView{User: dir.Stub(r.UserID), ReadAt: r.ReadAt})
	}
	return out
}

// UserIDs collects every user referenced by rows, without duplicates.
func UserIDs(rows []remote.MessageRow) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, r := range rows {
		for _, id := range r.UserIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
