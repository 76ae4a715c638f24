// Package feed merges confirmed room history with local echoes into the
// single list a presenter renders.
package feed

import (
	"github.com/antonitor/gotchat/pkg/echo"
	"github.com/antonitor/gotchat/pkg/models"
)

type State int

const (
	Confirmed State = iota
	Sending
	Acknowledged
	Failed
)

func (s State) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Sending:
		return "sending"
	case Acknowledged:
		return "acknowledged"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is one row of the feed.
type Item struct {
	Message models.Message
	// Token is set for rows that originated on this device.
	Token echo.Token
	State State
	Err   error
}

// Key identifies a row across renders. Rows created locally keep their
// token as key after confirmation.
func (it Item) Key() string {
	if it.Token != "" {
		return "tok:" + string(it.Token)
	}
	return "id:" + it.Message.ID
}

func (it Item) Pending() bool {
	return it.State != Confirmed
}

// Reconcile returns confirmed followed by the pending entries that have not
// shown up in confirmed yet. Confirmed order is kept as given and no id
// appears twice.
func Reconcile(confirmed []models.Message, pending []echo.Entry) []Item {
	out := make([]Item, 0, len(confirmed)+len(pending))
	seen := make(map[string]struct{}, len(confirmed)+len(pending))
	for _, m := range confirmed {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, Item{Message: m, State: Confirmed})
	}
	for _, e := range pending {
		if id := e.Message.ID; id != "" {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, Item{Message: e.Message, Token: e.Token, State: stateOf(e.Status), Err: e.Err})
	}
	return out
}

func stateOf(s echo.Status) State {
	switch s {
	case echo.Acknowledged:
		return Acknowledged
	case echo.Failed:
		return Failed
	default:
		return Sending
	}
}

// Annotate sets Token on confirmed rows whose id appears in origins.
func Annotate(items []Item, origins map[string]echo.Token) []Item {
	if len(origins) == 0 {
		return items
	}
	for i := range items {
		if items[i].Token != "" {
			continue
		}
		if tok, ok := origins[items[i].Message.ID]; ok {
			items[i].Token = tok
		}
	}
	return items
}

// Messages projects items to their messages.
func Messages(items []Item) []models.Message {
	out := make([]models.Message, len(items))
	for i, it := range items {
		out[i] = it.Message
	}
	return out
}

// Equal reports whether two renders are indistinguishable.
func Equal(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameItem(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameItem(a, b Item) bool {
	return a.Key() == b.Key() && a.Message == b.Message && a.State == b.State && errText(a.Err) == errText(b.Err)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
