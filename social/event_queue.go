package social

import (
	"sync"
)

type internalSocialEventType int

const (
	internalSocialEventTypeUnknown internalSocialEventType = iota
	internalSocialEventTypeUsersAdded
	internalSocialEventTypeUsersChanged
	internalSocialEventTypeUsersRemoved
	internalSocialEventTypeProfilesChanged
	internalSocialEventTypeSocialRelationshipsChanged
	internalSocialEventTypePresenceChanged
	internalSocialEventTypeDevicePresenceChanged
	internalSocialEventTypeTitlePresenceChanged
)

type SocialEventType string

const (
	SocialEventTypeUnknown                     SocialEventType = "unknown"
	SocialEventTypeUsersAddedToSocialGraph     SocialEventType = "users_added_to_social_graph"
	SocialEventTypeUsersRemovedFromSocialGraph SocialEventType = "users_removed_from_social_graph"
	SocialEventTypePresenceChanged             SocialEventType = "presence_changed"
	SocialEventTypeProfilesChanged             SocialEventType = "profiles_changed"
	SocialEventTypeSocialRelationshipsChanged  SocialEventType = "social_relationships_changed"
	SocialEventTypeSocialUserGroupLoaded       SocialEventType = "social_user_group_loaded"
)

// SocialEvent is what the application drains out of DoWork each frame.
type SocialEvent struct {
	EventType     SocialEventType
	UsersAffected []XboxUserId
	Err           error
}

// completionContext pairs an asynchronous AddUsers call with the
// UsersChanged result that later satisfies it.
type completionContext struct {
	token      Id
	numObjects int
	complete   func(err error)
}

func (self *completionContext) resolve(err error) {
	if self != nil && self.complete != nil {
		self.complete(err)
	}
}

// internalSocialEvent is the tagged variant applied by the event worker.
// Exactly one payload group is set per event type.
type internalSocialEvent struct {
	eventType internalSocialEventType

	// users_added
	userIdStrings []string
	// users_removed: the full decrement list. usersEvicted is filled during
	// the fresh apply with the subset that actually reached ref count zero;
	// the replay still needs the full list to decrement the other buffer.
	usersToRemove []XboxUserId
	usersEvicted  []XboxUserId
	// users_changed, profiles_changed, social_relationships_changed
	usersAffected []SocialUser
	// presence_changed
	presenceRecords []PresenceRecord
	// device_presence_changed
	devicePresenceArgs DevicePresenceChangeEventArgs
	// title_presence_changed
	titlePresenceArgs TitlePresenceChangeEventArgs

	err        error
	complete   func(err error)
	completion *completionContext

	// set on refresh-diff users_changed events: ids with no context yet are
	// newly followed users, not adds racing a removal
	createContexts bool
}

// affectedIds flattens whichever payload group is set into the id list
// carried on the public event.
func (self *internalSocialEvent) affectedIds() []XboxUserId {
	switch self.eventType {
	case internalSocialEventTypeUsersAdded:
		xuids := make([]XboxUserId, 0, len(self.userIdStrings))
		for _, xuidStr := range self.userIdStrings {
			if xuid, err := ParseXboxUserId(xuidStr); err == nil {
				xuids = append(xuids, xuid)
			}
		}
		return xuids
	case internalSocialEventTypeUsersRemoved:
		if self.usersEvicted != nil {
			return append([]XboxUserId{}, self.usersEvicted...)
		}
		return append([]XboxUserId{}, self.usersToRemove...)
	case internalSocialEventTypePresenceChanged:
		xuids := make([]XboxUserId, 0, len(self.presenceRecords))
		for i := range self.presenceRecords {
			xuids = append(xuids, self.presenceRecords[i].XboxUserId)
		}
		return xuids
	case internalSocialEventTypeDevicePresenceChanged:
		return []XboxUserId{self.devicePresenceArgs.XboxUserId}
	case internalSocialEventTypeTitlePresenceChanged:
		return []XboxUserId{self.titlePresenceArgs.XboxUserId}
	default:
		if len(self.usersAffected) == 0 && len(self.userIdStrings) > 0 {
			// a failed fetch carries only the requested id strings
			xuids := make([]XboxUserId, 0, len(self.userIdStrings))
			for _, xuidStr := range self.userIdStrings {
				if xuid, err := ParseXboxUserId(xuidStr); err == nil {
					xuids = append(xuids, xuid)
				}
			}
			return xuids
		}
		xuids := make([]XboxUserId, 0, len(self.usersAffected))
		for i := range self.usersAffected {
			xuids = append(xuids, self.usersAffected[i].XboxUserId)
		}
		return xuids
	}
}

// internalEventQueue is the ordered multi-producer queue the worker drains
// FIFO. Producers are RTA callbacks, application calls and timer results.
type internalEventQueue struct {
	stateLock sync.Mutex
	events    []*internalSocialEvent
}

func newInternalEventQueue() *internalEventQueue {
	return &internalEventQueue{
		events: []*internalSocialEvent{},
	}
}

func (self *internalEventQueue) Push(evt *internalSocialEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.events = append(self.events, evt)
}

func (self *internalEventQueue) Pop() *internalSocialEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.events) == 0 {
		return nil
	}
	evt := self.events[0]
	self.events = self.events[1:]
	return evt
}

func (self *internalEventQueue) Empty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.events) == 0
}

func (self *internalEventQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.events)
}

// socialEventQueue accumulates public events between frames. Delivery order
// preserves production order.
type socialEventQueue struct {
	stateLock sync.Mutex
	events    []SocialEvent
}

func newSocialEventQueue() *socialEventQueue {
	return &socialEventQueue{
		events: []SocialEvent{},
	}
}

func (self *socialEventQueue) Push(evt *internalSocialEvent, eventType SocialEventType, err error) {
	if eventType == SocialEventTypeUnknown {
		return
	}

	socialEvent := SocialEvent{
		EventType:     eventType,
		UsersAffected: evt.affectedIds(),
		Err:           err,
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.events = append(self.events, socialEvent)
}

// DrainTo appends all accumulated events and clears the queue.
func (self *socialEventQueue) DrainTo(out *[]SocialEvent) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	n := len(self.events)
	*out = append(*out, self.events...)
	self.events = self.events[:0]
	return n
}

func (self *socialEventQueue) Empty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.events) == 0
}
