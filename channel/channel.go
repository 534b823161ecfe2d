// Package channel implements the Channel Manager (§4.6): named pub/sub
// topics with public, private, and presence visibility rules, built the way
// the core's stream/atom primitives model shared broadcast state.
package channel

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/forattini-dev/raffel-sub005"
)

// MemberInfo is the per-subscriber payload a presence channel's
// PresenceData callback builds and broadcasts alongside membership events.
type MemberInfo map[string]any

// Message is what Sender.Send delivers to one socket.
type Message struct {
	Type    string     `json:"type"`
	Channel string     `json:"channel"`
	Event   string     `json:"event"`
	Data    any        `json:"data,omitempty"`
	Members []Member   `json:"members,omitempty"`
}

// Member pairs a subscriber's socket id with its presence info.
type Member struct {
	SocketID string     `json:"socketId"`
	Info     MemberInfo `json:"info,omitempty"`
}

// Sender delivers a Message to one connected socket (design note: "Channel
// manager callbacks are modelled as an injected socket sender interface;
// tests substitute a recording implementation").
type Sender interface {
	Send(socketID string, msg Message) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(socketID string, msg Message) error

// Send calls f.
func (f SenderFunc) Send(socketID string, msg Message) error { return f(socketID, msg) }

// Authorize decides whether socketID may subscribe to channel, required for
// any channel prefixed private- or presence- (§4.6).
type Authorize func(ctx context.Context, socketID, channelName string) bool

// PresenceData builds the MemberInfo broadcast for socketID on a presence
// channel.
type PresenceData func(ctx context.Context, socketID, channelName string) MemberInfo

const (
	privatePrefix  = "private-"
	presencePrefix = "presence-"
)

func isPrivate(name string) bool  { return strings.HasPrefix(name, privatePrefix) }
func isPresence(name string) bool { return strings.HasPrefix(name, presencePrefix) }
func requiresAuth(name string) bool {
	return isPrivate(name) || isPresence(name)
}

type channelRecord struct {
	mu      sync.Mutex
	members map[string]MemberInfo // socketID -> presence info (nil for non-presence/no info)
}

// Manager is the Channel Manager (§4.6). Zero value is not usable; build one
// with New.
type Manager struct {
	authorize    Authorize
	presenceData PresenceData
	sender       Sender

	mu       sync.RWMutex
	channels map[string]*channelRecord
}

// New creates a Manager. authorize is required to subscribe to any
// private-/presence- channel; presenceData is optional (nil yields an empty
// MemberInfo for presence members).
func New(authorize Authorize, presenceData PresenceData, sender Sender) *Manager {
	return &Manager{
		authorize:    authorize,
		presenceData: presenceData,
		sender:       sender,
		channels:     make(map[string]*channelRecord),
	}
}

// SubscribeResult is the outcome of Subscribe.
type SubscribeResult struct {
	Success bool
	Error   *raffel.Error
	Members []Member // current members of any channel; Info is set only on presence channels
}

func (m *Manager) recordFor(channelName string) *channelRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[channelName]
	if !ok {
		rec = &channelRecord{members: make(map[string]MemberInfo)}
		m.channels[channelName] = rec
	}
	return rec
}

// Subscribe adds socketID to channelName (§4.6 "subscribe"). private-/
// presence- channels require Authorize to return true, else
// PERMISSION_DENIED. Presence channels broadcast member_added to the
// channel's other current subscribers and return the full member list to
// the caller. Subscribing an already-subscribed socket is idempotent: the
// subscriber set is unchanged and no broadcast fires (§8 property 7) — this
// also covers private (non-presence) channels per the SPEC_FULL.md §E.1
// open-question decision to treat them the same as presence.
func (m *Manager) Subscribe(ctx context.Context, socketID, channelName string) SubscribeResult {
	if requiresAuth(channelName) {
		if m.authorize == nil || !m.authorize(ctx, socketID, channelName) {
			return SubscribeResult{Error: raffel.NewError(raffel.CodePermissionDenied, "not authorized to subscribe to "+channelName)}
		}
	}

	rec := m.recordFor(channelName)

	rec.mu.Lock()
	if _, already := rec.members[socketID]; already {
		members := snapshotMembers(rec)
		rec.mu.Unlock()
		return SubscribeResult{Success: true, Members: members}
	}

	var info MemberInfo
	if isPresence(channelName) && m.presenceData != nil {
		info = m.presenceData(ctx, socketID, channelName)
	}
	rec.members[socketID] = info
	others := otherSocketIDs(rec, socketID)
	members := snapshotMembers(rec)
	rec.mu.Unlock()

	if isPresence(channelName) {
		m.notify(others, Message{
			Type:    "event",
			Channel: channelName,
			Event:   "member_added",
			Data:    Member{SocketID: socketID, Info: info},
		})
	}

	return SubscribeResult{Success: true, Members: members}
}

// Unsubscribe drops socketID from channelName (§4.6 "unsubscribe"). Presence
// channels broadcast member_removed to the remaining subscribers. The
// channel record is deleted once its subscriber set empties.
func (m *Manager) Unsubscribe(channelName, socketID string) {
	m.mu.RLock()
	rec, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if _, present := rec.members[socketID]; !present {
		rec.mu.Unlock()
		return
	}
	delete(rec.members, socketID)
	remaining := otherSocketIDs(rec, "")
	empty := len(rec.members) == 0
	rec.mu.Unlock()

	if isPresence(channelName) {
		m.notify(remaining, Message{
			Type:    "event",
			Channel: channelName,
			Event:   "member_removed",
			Data:    Member{SocketID: socketID},
		})
	}

	if empty {
		m.mu.Lock()
		if current, ok := m.channels[channelName]; ok && len(current.members) == 0 {
			delete(m.channels, channelName)
		}
		m.mu.Unlock()
	}
}

// UnsubscribeAll removes socketID from every channel it belongs to, called
// on socket disconnect (§4.6).
func (m *Manager) UnsubscribeAll(socketID string) {
	m.mu.RLock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Unsubscribe(name, socketID)
	}
}

// Broadcast delivers {type: event, channel, event, data} to every current
// subscriber of channelName except exceptSocketID, if non-empty (§4.6). The
// subscriber set is snapshotted before delivery so a concurrent unsubscribe
// cannot observe a half-torn broadcast (§5 "Shared-resource policy").
func (m *Manager) Broadcast(channelName, event string, data any, exceptSocketID string) {
	m.mu.RLock()
	rec, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	targets := otherSocketIDs(rec, exceptSocketID)
	rec.mu.Unlock()

	m.notify(targets, Message{Type: "event", Channel: channelName, Event: event, Data: data})
}

// SendToSocket delivers {event, data} on channelName to socketID only if it
// is currently subscribed (§4.6).
func (m *Manager) SendToSocket(socketID, channelName, event string, data any) {
	m.mu.RLock()
	rec, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	_, subscribed := rec.members[socketID]
	rec.mu.Unlock()
	if !subscribed {
		return
	}

	_ = m.sender.Send(socketID, Message{Type: "event", Channel: channelName, Event: event, Data: data})
}

// Kick force-unsubscribes socketID from channelName, with the same side
// effects (including presence broadcast) as a voluntary Unsubscribe (§4.6).
func (m *Manager) Kick(channelName, socketID string) {
	m.Unsubscribe(channelName, socketID)
}

// notify fans the same message out to every socket concurrently: a
// broadcast to a large channel should not wait on one slow socket's write
// before starting the next, and a Sender backed by a network connection
// (e.g. the WS adapter) makes that wait real.
func (m *Manager) notify(socketIDs []string, msg Message) {
	var g errgroup.Group
	for _, id := range socketIDs {
		id := id
		g.Go(func() error {
			return m.sender.Send(id, msg)
		})
	}
	_ = g.Wait()
}

// snapshotMembers must be called with rec.mu held.
func snapshotMembers(rec *channelRecord) []Member {
	members := make([]Member, 0, len(rec.members))
	for id, info := range rec.members {
		members = append(members, Member{SocketID: id, Info: info})
	}
	return members
}

// otherSocketIDs must be called with rec.mu held. except == "" means no
// exclusion.
func otherSocketIDs(rec *channelRecord, except string) []string {
	ids := make([]string, 0, len(rec.members))
	for id := range rec.members {
		if id == except {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
