package social

import (
	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// 5 extra users can be added to the graph before the slab grows
const ExtraUserFreeSpace = 5

const noSlot = -1

// socialUserContext pins a user in a buffer. slot is noSlot while the
// profile fetch is still outstanding. refCount tracks how many independent
// AddUsers calls currently pin this id; the user is evicted only at zero.
type socialUserContext struct {
	slot     int
	refCount uint32
}

// userBuffer is one half of the double buffer: a contiguous slab of users,
// a FIFO of vacant slots, the id -> context map, and the queue of applied
// events pending replay after the next swap.
type userBuffer struct {
	storage    []SocialUser
	freeSlots  []int
	graph      map[XboxUserId]*socialUserContext
	eventQueue *internalEventQueue
}

func newUserBuffer() *userBuffer {
	return &userBuffer{
		storage:    []SocialUser{},
		freeSlots:  []int{},
		graph:      map[XboxUserId]*socialUserContext{},
		eventQueue: newInternalEventQueue(),
	}
}

func (self *userBuffer) init(users []SocialUser, freeSpaceRequired int) {
	totalFreeSpace := ExtraUserFreeSpace + freeSpaceRequired
	self.storage = make([]SocialUser, len(users)+totalFreeSpace)
	self.freeSlots = make([]int, 0, totalFreeSpace)
	self.graph = map[XboxUserId]*socialUserContext{}

	for i := range users {
		self.storage[i] = users[i]
		self.graph[users[i].XboxUserId] = &socialUserContext{
			slot:     i,
			refCount: 1,
		}
	}
	for i := len(users); i < len(self.storage); i += 1 {
		self.freeSlots = append(self.freeSlots, i)
	}
}

// user returns the stored user for mutation in place, or nil while the
// profile is unfetched or the id is untracked.
func (self *userBuffer) user(xuid XboxUserId) *SocialUser {
	userContext, ok := self.graph[xuid]
	if !ok || userContext.slot == noSlot {
		return nil
	}
	return &self.storage[userContext.slot]
}

func (self *userBuffer) context(xuid XboxUserId) *socialUserContext {
	return self.graph[xuid]
}

// addUsersToBuffer fills vacant slots with the fetched profiles, growing the
// slab first when the free list is short. Growing rebuilds the map's slot
// indices; contexts still awaiting their fetch are preserved.
func (self *userBuffer) addUsersToBuffer(users []SocialUser, finalSize int) {
	totalSizeNeeded := max(finalSize, len(users))
	if totalSizeNeeded > len(self.freeSlots) {
		self.grow(totalSizeNeeded)
	}

	for i := range users {
		userContext, ok := self.graph[users[i].XboxUserId]
		if !ok {
			userContext = &socialUserContext{
				slot:     noSlot,
				refCount: 1,
			}
			self.graph[users[i].XboxUserId] = userContext
		}

		if userContext.slot == noSlot {
			slot := self.freeSlots[0]
			self.freeSlots = self.freeSlots[1:]
			userContext.slot = slot
		}
		self.storage[userContext.slot] = users[i]
	}
}

func (self *userBuffer) grow(totalSizeNeeded int) {
	liveUsers := make([]SocialUser, 0, len(self.graph))
	liveContexts := make([]*socialUserContext, 0, len(self.graph))
	for _, xuid := range maps.Keys(self.graph) {
		userContext := self.graph[xuid]
		if userContext.slot != noSlot {
			liveUsers = append(liveUsers, self.storage[userContext.slot])
			liveContexts = append(liveContexts, userContext)
		}
	}

	totalFreeSpace := ExtraUserFreeSpace + totalSizeNeeded
	storage := make([]SocialUser, len(liveUsers)+totalFreeSpace)
	freeSlots := make([]int, 0, totalFreeSpace)
	for i := range liveUsers {
		storage[i] = liveUsers[i]
		liveContexts[i].slot = i
	}
	for i := len(liveUsers); i < len(storage); i += 1 {
		freeSlots = append(freeSlots, i)
	}

	self.storage = storage
	self.freeSlots = freeSlots
}

// removeUsersFromBuffer releases the slots for the given ids and erases their
// contexts from the map. The caller's ref-count pass has already brought the
// ref counts to zero.
func (self *userBuffer) removeUsersFromBuffer(xuids []XboxUserId) {
	for _, xuid := range xuids {
		userContext, ok := self.graph[xuid]
		if !ok {
			glog.Errorf("user_buffer: user %s not found in buffer\n", xuid)
			continue
		}
		if userContext.slot != noSlot {
			self.storage[userContext.slot] = SocialUser{}
			self.freeSlots = append(self.freeSlots, userContext.slot)
		}
		delete(self.graph, xuid)
	}
}

// usersByXuid snapshots the live users; used for diffing and by tests to
// check the isomorphism invariant.
func (self *userBuffer) usersByXuid() map[XboxUserId]SocialUser {
	users := map[XboxUserId]SocialUser{}
	for xuid, userContext := range self.graph {
		if userContext.slot != noSlot {
			users[xuid] = self.storage[userContext.slot]
		}
	}
	return users
}

// userBuffersHolder owns the A/B pair. Readers observe only the active
// buffer; only the inactive buffer is ever mutated.
type userBuffersHolder struct {
	bufferA *userBuffer
	bufferB *userBuffer

	activeBuffer   *userBuffer
	inactiveBuffer *userBuffer
}

func newUserBuffersHolder() *userBuffersHolder {
	return &userBuffersHolder{
		bufferA: newUserBuffer(),
		bufferB: newUserBuffer(),
	}
}

func (self *userBuffersHolder) initialize(users []SocialUser) {
	self.bufferA.init(users, 0)
	self.bufferB.init(users, 0)
	self.activeBuffer = self.bufferA
	self.inactiveBuffer = self.bufferB
}

func (self *userBuffersHolder) swap() {
	if self.activeBuffer == self.bufferA {
		self.activeBuffer = self.bufferB
		self.inactiveBuffer = self.bufferA
	} else {
		self.activeBuffer = self.bufferA
		self.inactiveBuffer = self.bufferB
	}
}

func (self *userBuffersHolder) active() *userBuffer {
	return self.activeBuffer
}

func (self *userBuffersHolder) inactive() *userBuffer {
	return self.inactiveBuffer
}

// addEvent queues the just-applied event on the active buffer. After the
// next swap that buffer becomes inactive and still carries the unapplied
// mirror, which the worker drains so the buffers converge.
func (self *userBuffersHolder) addEvent(evt *internalSocialEvent) {
	self.activeBuffer.eventQueue.Push(evt)
}
