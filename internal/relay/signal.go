package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/pliu/ume/internal/presence"
)

// Call signaling event types. Payloads are opaque except for "to".
const (
	CallOffer     = "call_offer"
	CallAnswer    = "call_answer"
	CallCandidate = "call_candidate"
	CallReject    = "call_reject"
	CallEnd       = "call_end"
	CallBusy      = "call_busy"
)

const (
	EventCallError = "call_error"
	EventOffline   = "offline"
)

var callEvents = map[string]bool{
	CallOffer:     true,
	CallAnswer:    true,
	CallCandidate: true,
	CallReject:    true,
	CallEnd:       true,
	CallBusy:      true,
}

// IsCallEvent reports whether t is a signaling event type.
func IsCallEvent(t string) bool {
	return callEvents[t]
}

var ErrNoTarget = errors.New("relay: signaling payload has no target")

// OfflineNotice is sent back to a signaling sender whose target is absent.
type OfflineNotice struct {
	Error      string `json:"error"`
	TargetUser string `json:"targetUser"`
}

// Signal forwards a call event from one user to the user named in the
// payload's "to" field. The forwarded payload has "to" replaced by "from".
// When the target is offline the sending connection is told so with
// call_error for an offer and offline for everything else. It returns the
// target and whether the event reached it.
func (d *Dispatcher) Signal(ctx context.Context, sender presence.Handle, eventType string, raw json.RawMessage) (string, bool, error) {
	from := sender.Username()
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false, err
	}
	var to string
	if v, ok := fields["to"]; ok {
		if err := json.Unmarshal(v, &to); err != nil {
			return "", false, err
		}
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return "", false, ErrNoTarget
	}

	delete(fields, "to")
	fromJSON, _ := json.Marshal(from)
	fields["from"] = fromJSON

	if d.Forward(ctx, to, eventType, fields) {
		return to, true, nil
	}

	notice := EventOffline
	if eventType == CallOffer {
		notice = EventCallError
	}
	ev := presence.Event{Type: notice, Payload: OfflineNotice{Error: "User is offline", TargetUser: to}}
	if err := d.push(ctx, sender, ev); err != nil {
		d.Log.Debug("offline_notice_failed", zap.String("user", from), zap.String("target", to), zap.Error(err))
	}
	return to, false, nil
}
