package service

import (
	"fmt"
	"strings"

	"github.com/noah-isme/gema-support-chat/internal/models"
)

// ChannelKind tags the variant of a ChannelID.
type ChannelKind string

const (
	ChannelGlobal ChannelKind = "global"
	ChannelDirect ChannelKind = "direct"
	ChannelRoom   ChannelKind = "room"
)

// CostBearing reports whether unprivileged sends on this kind pay credits and observe the cooldown.
func (k ChannelKind) CostBearing() bool {
	return k == ChannelGlobal
}

const (
	globalChannelName = "universal"
	directPathPrefix  = "chat/dm/"
	roomPathPrefix    = "chat/rooms/"
)

// ChannelID identifies one logical conversation. The zero value is not a
// valid channel; use GlobalChannel, DirectChannel or RoomChannel.
type ChannelID struct {
	kind ChannelKind
	key  string
}

// GlobalChannel returns the single public channel.
func GlobalChannel() ChannelID {
	return ChannelID{kind: ChannelGlobal}
}

// DirectChannel returns the support thread of a student. Both the student and
// every privileged viewer address it by the student's id.
func DirectChannel(studentID string) ChannelID {
	return ChannelID{kind: ChannelDirect, key: strings.TrimSpace(studentID)}
}

// RoomChannel returns an explicitly named room.
func RoomChannel(roomID string) ChannelID {
	return ChannelID{kind: ChannelRoom, key: strings.TrimSpace(roomID)}
}

func (c ChannelID) Kind() ChannelKind { return c.kind }

// Key is the student id of a direct channel or the room id of a room.
func (c ChannelID) Key() string { return c.key }

// IsZero reports whether c was never assigned.
func (c ChannelID) IsZero() bool { return c.kind == "" }

// Path renders the change feed path of the channel.
func (c ChannelID) Path() string {
	switch c.kind {
	case ChannelGlobal:
		return "chat/" + globalChannelName
	case ChannelDirect:
		return directPathPrefix + c.key
	case ChannelRoom:
		return roomPathPrefix + c.key
	default:
		return ""
	}
}

// String renders the wire form: "universal", "dm:<id>" or "room:<id>".
func (c ChannelID) String() string {
	switch c.kind {
	case ChannelGlobal:
		return globalChannelName
	case ChannelDirect:
		return "dm:" + c.key
	case ChannelRoom:
		return "room:" + c.key
	default:
		return ""
	}
}

// ParseChannelID parses the wire form produced by String.
func ParseChannelID(value string) (ChannelID, error) {
	value = strings.TrimSpace(value)
	if value == globalChannelName {
		return GlobalChannel(), nil
	}

	prefix, key, found := strings.Cut(value, ":")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.ContainsAny(key, "/") {
		return ChannelID{}, fmt.Errorf("invalid channel %q", value)
	}

	switch prefix {
	case "dm":
		return DirectChannel(key), nil
	case "room":
		return RoomChannel(key), nil
	default:
		return ChannelID{}, fmt.Errorf("invalid channel %q", value)
	}
}

// Tab selects between the public channel and the support thread.
type Tab string

const (
	TabGlobal  Tab = "global"
	TabSupport Tab = "support"
)

// ParseTab normalises a tab selector, returning false for unknown values.
func ParseTab(value string) (Tab, bool) {
	switch Tab(strings.ToLower(strings.TrimSpace(value))) {
	case TabGlobal:
		return TabGlobal, true
	case TabSupport:
		return TabSupport, true
	default:
		return "", false
	}
}

// DefaultTab is the tab a viewer lands on: privileged viewers start on support.
func DefaultTab(role models.Role) Tab {
	if role.IsPrivileged() {
		return TabSupport
	}
	return TabGlobal
}

// ResolveParams are the inputs of channel resolution.
type ResolveParams struct {
	RoomID       string
	Tab          Tab
	ViewerRole   models.Role
	ViewerID     string
	TargetUserID string
}

// ResolveChannel maps the viewer's selection to a channel. It returns false
// when a privileged viewer is on the support tab without a target, or when an
// unprivileged viewer has no id. Blank ids count as absent.
func ResolveChannel(params ResolveParams) (ChannelID, bool) {
	if room := strings.TrimSpace(params.RoomID); room != "" {
		return RoomChannel(room), true
	}

	if params.Tab == TabGlobal {
		return GlobalChannel(), true
	}

	if params.ViewerRole.IsPrivileged() {
		target := strings.TrimSpace(params.TargetUserID)
		if target == "" {
			return ChannelID{}, false
		}
		return DirectChannel(target), true
	}

	viewer := strings.TrimSpace(params.ViewerID)
	if viewer == "" {
		return ChannelID{}, false
	}
	return DirectChannel(viewer), true
}

// TabsVisible reports whether the caller should offer the tab selector.
// Tabs are hidden inside an explicit room and while a privileged viewer is
// focused on a target.
func TabsVisible(params ResolveParams) bool {
	if strings.TrimSpace(params.RoomID) != "" {
		return false
	}
	if params.ViewerRole.IsPrivileged() && strings.TrimSpace(params.TargetUserID) != "" {
		return false
	}
	return true
}
