package social

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"golang.org/x/exp/slices"
)

type mockPeopleHub struct {
	stateLock  sync.Mutex
	fullGraph  []SocialUser
	fullErr    error
	batchUsers map[string]SocialUser
	batchErr   error
	batchCalls [][]string
}

func newMockPeopleHub(fullGraph []SocialUser) *mockPeopleHub {
	return &mockPeopleHub{
		fullGraph:  fullGraph,
		batchUsers: map[string]SocialUser{},
	}
}

func (self *mockPeopleHub) setFullGraph(fullGraph []SocialUser) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.fullGraph = fullGraph
}

func (self *mockPeopleHub) GetSocialGraph(ctx context.Context, detailLevel DetailLevel, xuids []string) ([]SocialUser, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if xuids == nil {
		if self.fullErr != nil {
			return nil, self.fullErr
		}
		return slices.Clone(self.fullGraph), nil
	}

	self.batchCalls = append(self.batchCalls, slices.Clone(xuids))
	if self.batchErr != nil {
		return nil, self.batchErr
	}
	users := []SocialUser{}
	for _, xuidStr := range xuids {
		if user, ok := self.batchUsers[xuidStr]; ok {
			users = append(users, user)
		}
	}
	return users, nil
}

type mockPresence struct {
	stateLock      sync.Mutex
	deviceSubs     map[XboxUserId]int
	titleSubs      map[XboxUserId]int
	deviceUnsubs   int
	titleUnsubs    int
	records        []PresenceRecord
	batchCallCount int

	deviceCallbacks *CallbackList[DevicePresenceChangeFunction]
	titleCallbacks  *CallbackList[TitlePresenceChangeFunction]
}

func newMockPresence() *mockPresence {
	return &mockPresence{
		deviceSubs:      map[XboxUserId]int{},
		titleSubs:       map[XboxUserId]int{},
		deviceCallbacks: NewCallbackList[DevicePresenceChangeFunction](),
		titleCallbacks:  NewCallbackList[TitlePresenceChangeFunction](),
	}
}

func (self *mockPresence) SubscribeToDevicePresenceChange(xuid XboxUserId) (*RtaSubscription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.deviceSubs[xuid] += 1
	return &RtaSubscription{
		SubscriptionId: NewId(),
		kind:           rtaSubscriptionKindDevicePresence,
		xboxUserId:     xuid,
	}, nil
}

func (self *mockPresence) SubscribeToTitlePresenceChange(xuid XboxUserId, titleId uint32) (*RtaSubscription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.titleSubs[xuid] += 1
	return &RtaSubscription{
		SubscriptionId: NewId(),
		kind:           rtaSubscriptionKindTitlePresence,
		xboxUserId:     xuid,
		titleId:        titleId,
	}, nil
}

func (self *mockPresence) UnsubscribeFromDevicePresenceChange(sub *RtaSubscription) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.deviceUnsubs += 1
	return nil
}

func (self *mockPresence) UnsubscribeFromTitlePresenceChange(sub *RtaSubscription) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.titleUnsubs += 1
	return nil
}

func (self *mockPresence) GetPresenceForMultipleUsers(
	ctx context.Context,
	xuids []string,
	deviceTypes []DeviceType,
	titleIds []uint32,
	detailLevel PresenceDetailLevel,
) ([]PresenceRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.batchCallCount += 1
	return slices.Clone(self.records), nil
}

func (self *mockPresence) AddDevicePresenceChangedCallback(callback DevicePresenceChangeFunction) func() {
	callbackId := self.deviceCallbacks.Add(callback)
	return func() {
		self.deviceCallbacks.Remove(callbackId)
	}
}

func (self *mockPresence) AddTitlePresenceChangedCallback(callback TitlePresenceChangeFunction) func() {
	callbackId := self.titleCallbacks.Add(callback)
	return func() {
		self.titleCallbacks.Remove(callbackId)
	}
}

func (self *mockPresence) fireDevicePresence(eventArgs DevicePresenceChangeEventArgs) {
	for _, callback := range self.deviceCallbacks.Get() {
		callback(eventArgs)
	}
}

func (self *mockPresence) fireTitlePresence(eventArgs TitlePresenceChangeEventArgs) {
	for _, callback := range self.titleCallbacks.Get() {
		callback(eventArgs)
	}
}

func (self *mockPresence) unsubCounts() (int, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.deviceUnsubs, self.titleUnsubs
}

func (self *mockPresence) deviceSubCount(xuid XboxUserId) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.deviceSubs[xuid]
}

func (self *mockPresence) batchCalls() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.batchCallCount
}

type mockSocial struct {
	stateLock sync.Mutex
	subCount  int
	callbacks *CallbackList[SocialRelationshipChangeFunction]
}

func newMockSocial() *mockSocial {
	return &mockSocial{
		callbacks: NewCallbackList[SocialRelationshipChangeFunction](),
	}
}

func (self *mockSocial) SubscribeToSocialRelationshipChange(xuid XboxUserId) (*RtaSubscription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subCount += 1
	return &RtaSubscription{
		SubscriptionId: NewId(),
		kind:           rtaSubscriptionKindSocialRelationship,
		xboxUserId:     xuid,
	}, nil
}

func (self *mockSocial) UnsubscribeFromSocialRelationshipChange(sub *RtaSubscription) error {
	return nil
}

func (self *mockSocial) AddSocialRelationshipChangedCallback(callback SocialRelationshipChangeFunction) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

func (self *mockSocial) fireRelationshipChange(eventArgs SocialRelationshipChangeEventArgs) {
	for _, callback := range self.callbacks.Get() {
		callback(eventArgs)
	}
}

func (self *mockSocial) subscribeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subCount
}

type mockRta struct {
	stateLock       sync.Mutex
	activateCount   int
	deactivateCount int

	connectionStateCallbacks *CallbackList[ConnectionStateChangeFunction]
	resyncCallbacks          *CallbackList[func()]
	errorCallbacks           *CallbackList[SubscriptionErrorFunction]
}

func newMockRta() *mockRta {
	return &mockRta{
		connectionStateCallbacks: NewCallbackList[ConnectionStateChangeFunction](),
		resyncCallbacks:          NewCallbackList[func()](),
		errorCallbacks:           NewCallbackList[SubscriptionErrorFunction](),
	}
}

func (self *mockRta) Activate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.activateCount += 1
}

func (self *mockRta) Deactivate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.deactivateCount += 1
}

func (self *mockRta) AddConnectionStateChangedCallback(callback ConnectionStateChangeFunction) func() {
	callbackId := self.connectionStateCallbacks.Add(callback)
	return func() {
		self.connectionStateCallbacks.Remove(callbackId)
	}
}

func (self *mockRta) AddResyncCallback(callback func()) func() {
	callbackId := self.resyncCallbacks.Add(callback)
	return func() {
		self.resyncCallbacks.Remove(callbackId)
	}
}

func (self *mockRta) AddSubscriptionErrorCallback(callback SubscriptionErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *mockRta) fireConnectionState(state ConnectionState) {
	for _, callback := range self.connectionStateCallbacks.Get() {
		callback(state)
	}
}

func (self *mockRta) fireResync() {
	for _, callback := range self.resyncCallbacks.Get() {
		callback()
	}
}

type graphTestHarness struct {
	peoplehub *mockPeopleHub
	presence  *mockPresence
	social    *mockSocial
	rta       *mockRta
	graph     *SocialGraph
	events    []SocialEvent
}

func testGraphSettings() *SocialGraphSettings {
	return &SocialGraphSettings{
		TimePerCall:       0,
		RefreshTime:       time.Hour,
		NumEventsPerFrame: NumEventsPerFrame,
		WorkerIdleSleep:   time.Millisecond,
	}
}

func newGraphTestHarness(t *testing.T, fullGraph []SocialUser, settings *SocialGraphSettings) *graphTestHarness {
	harness := &graphTestHarness{
		peoplehub: newMockPeopleHub(fullGraph),
		presence:  newMockPresence(),
		social:    newMockSocial(),
		rta:       newMockRta(),
	}
	harness.graph = NewSocialGraph(
		context.Background(),
		&XblToken{
			XboxUserId: 1,
			Gamertag:   "Caller",
			TitleId:    4242,
		},
		DetailLevelNoExtraDetail,
		harness.peoplehub,
		harness.presence,
		harness.social,
		harness.rta,
		settings,
		nil,
	)
	t.Cleanup(harness.graph.Close)

	if err := harness.graph.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %s", err)
	}
	return harness
}

// pumpUntil runs the frame pump until the condition holds, accumulating
// public events into the harness.
func (self *graphTestHarness) pumpUntil(t *testing.T, tag string, condition func(snapshot *GraphSnapshot) bool) *GraphSnapshot {
	deadline := time.Now().Add(5 * time.Second)
	for {
		changeStruct := self.graph.DoWork(&self.events)
		if condition(changeStruct.Snapshot) {
			return changeStruct.Snapshot
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("pump timeout: %s", tag)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (self *graphTestHarness) eventsOfType(eventType SocialEventType) []SocialEvent {
	events := []SocialEvent{}
	for _, evt := range self.events {
		if evt.EventType == eventType {
			events = append(events, evt)
		}
	}
	return events
}

func (self *graphTestHarness) quiesce(t *testing.T) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		self.graph.DoWork(&self.events)
		if self.graph.internalEventQueue.Empty() && self.graph.AreEventsEmpty() {
			return
		}
		if !time.Now().Before(deadline) {
			t.Fatal("quiesce timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func alice() SocialUser {
	user := testSocialUser(100, "Alice")
	user.IsFollowedByCaller = true
	user.IsFollowingUser = true
	return user
}

func bob() SocialUser {
	user := testSocialUser(200, "Bob")
	user.IsFollowedByCaller = true
	user.IsFollowingUser = true
	return user
}

func TestColdStartOneFriend(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice()}, testGraphSettings())

	snapshot := harness.pumpUntil(t, "alice in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(100) != nil
	})
	assert.Equal(t, "Alice", snapshot.User(100).Gamertag)
	assert.Equal(t, 1, snapshot.Size())

	added := harness.eventsOfType(SocialEventTypeUsersAddedToSocialGraph)
	assert.Equal(t, 1, len(added))
	assert.Equal(t, []XboxUserId{100}, added[0].UsersAffected)

	// every user with a profile carries a device and a title subscription
	assert.Equal(t, 1, harness.presence.deviceSubCount(100))
}

func TestAddArriveRemove(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice()}, testGraphSettings())
	harness.peoplehub.batchUsers["200"] = bob()

	callback, completed := NewBlockingApiCallback[struct{}]()
	harness.graph.AddUsers([]string{"200"}, func(err error) {
		callback.Result(struct{}{}, err)
	})

	snapshot := harness.pumpUntil(t, "bob arrives", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(200) != nil
	})
	assert.Equal(t, "Bob", snapshot.User(200).Gamertag)
	assert.Equal(t, 2, snapshot.Size())

	added := harness.eventsOfType(SocialEventTypeUsersAddedToSocialGraph)
	found := false
	for _, evt := range added {
		if slices.Contains(evt.UsersAffected, 200) {
			found = true
		}
	}
	assert.Equal(t, true, found)

	select {
	case result := <-completed:
		assert.Equal(t, nil, result.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("add completion not resolved")
	}

	harness.graph.RemoveUsers([]XboxUserId{200})
	snapshot = harness.pumpUntil(t, "bob removed", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(200) == nil
	})
	assert.Equal(t, 1, snapshot.Size())

	removed := harness.eventsOfType(SocialEventTypeUsersRemovedFromSocialGraph)
	assert.Equal(t, 1, len(removed))
	assert.Equal(t, []XboxUserId{200}, removed[0].UsersAffected)

	// eviction tears down exactly one device and one title subscription
	deadline := time.Now().Add(5 * time.Second)
	for {
		deviceUnsubs, titleUnsubs := harness.presence.unsubCounts()
		if deviceUnsubs == 1 && titleUnsubs == 1 {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatal("unsubscribe not observed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRefCount(t *testing.T) {
	harness := newGraphTestHarness(t, nil, testGraphSettings())
	harness.peoplehub.batchUsers["300"] = testSocialUser(300, "Carol")

	firstAdd := make(chan error, 1)
	harness.graph.AddUsers([]string{"300"}, func(err error) {
		firstAdd <- err
	})
	harness.pumpUntil(t, "carol arrives", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(300) != nil
	})

	secondAdd := make(chan error, 1)
	harness.graph.AddUsers([]string{"300"}, func(err error) {
		secondAdd <- err
	})
	select {
	case err := <-secondAdd:
		assert.Equal(t, nil, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second add completion not resolved")
	}
	harness.quiesce(t)

	harness.graph.RemoveUsers([]XboxUserId{300})
	harness.quiesce(t)

	// one pin remains
	snapshot := harness.graph.ActiveBufferSocialGraph()
	assert.NotEqual(t, snapshot.User(300), nil)
	assert.Equal(t, uint32(1), snapshot.buffer.context(300).refCount)

	harness.graph.RemoveUsers([]XboxUserId{300})
	harness.pumpUntil(t, "carol evicted", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(300) == nil
	})
}

func TestRemoveBatchReportsOnlyEvicted(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice(), bob()}, testGraphSettings())
	harness.pumpUntil(t, "both in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.Size() == 2
	})

	// pin alice a second time so one remove leaves her in the graph
	pinned := make(chan error, 1)
	harness.graph.AddUsers([]string{"100"}, func(err error) {
		pinned <- err
	})
	select {
	case err := <-pinned:
		assert.Equal(t, nil, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pin completion not resolved")
	}
	harness.quiesce(t)

	harness.graph.RemoveUsers([]XboxUserId{100, 200})
	snapshot := harness.pumpUntil(t, "bob evicted", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(200) == nil
	})
	harness.quiesce(t)

	// alice survives with one pin; the event names only the evictee
	assert.NotEqual(t, snapshot.User(100), nil)
	removed := harness.eventsOfType(SocialEventTypeUsersRemovedFromSocialGraph)
	assert.Equal(t, 1, len(removed))
	assert.Equal(t, []XboxUserId{200}, removed[0].UsersAffected)

	for _, buffer := range []*userBuffer{harness.graph.userBuffer.bufferA, harness.graph.userBuffer.bufferB} {
		assert.Equal(t, uint32(1), buffer.context(100).refCount)
		assert.Equal(t, buffer.context(200), nil)
	}
}

func TestAddRemoveRoundTrip(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice()}, testGraphSettings())
	harness.peoplehub.batchUsers["400"] = testSocialUser(400, "Dave")
	harness.quiesce(t)

	harness.graph.AddUsers([]string{"400"}, nil)
	harness.pumpUntil(t, "dave arrives", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(400) != nil
	})
	harness.graph.RemoveUsers([]XboxUserId{400})
	harness.pumpUntil(t, "dave removed", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(400) == nil
	})
	harness.quiesce(t)

	// the graph is back to its pre-state in both buffers
	for _, buffer := range []*userBuffer{harness.graph.userBuffer.bufferA, harness.graph.userBuffer.bufferB} {
		users := buffer.usersByXuid()
		assert.Equal(t, 1, len(users))
		assert.Equal(t, "Alice", users[100].Gamertag)
		assert.Equal(t, buffer.context(400), nil)
	}
}

func TestBuffersConvergeAfterQuiesce(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice(), bob()}, testGraphSettings())
	harness.peoplehub.batchUsers["300"] = testSocialUser(300, "Carol")

	harness.graph.AddUsers([]string{"300"}, nil)
	harness.pumpUntil(t, "carol arrives", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(300) != nil
	})
	harness.quiesce(t)

	bufferA := harness.graph.userBuffer.bufferA
	bufferB := harness.graph.userBuffer.bufferB
	assert.Equal(t, bufferA.usersByXuid(), bufferB.usersByXuid())
	for xuid, contextA := range bufferA.graph {
		contextB := bufferB.context(xuid)
		assert.NotEqual(t, contextB, nil)
		assert.Equal(t, contextA.refCount, contextB.refCount)
	}
}

func TestUsersChangedIdempotent(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice()}, testGraphSettings())
	harness.pumpUntil(t, "alice in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(100) != nil
	})

	changedAlice := alice()
	changedAlice.Gamertag = "Alice2"

	harness.graph.internalEventQueue.Push(&internalSocialEvent{
		eventType:     internalSocialEventTypeUsersChanged,
		usersAffected: []SocialUser{changedAlice},
	})
	harness.pumpUntil(t, "first profiles_changed", func(snapshot *GraphSnapshot) bool {
		return len(harness.eventsOfType(SocialEventTypeProfilesChanged)) == 1
	})

	// an identical profile produces no additional public event
	harness.graph.internalEventQueue.Push(&internalSocialEvent{
		eventType:     internalSocialEventTypeUsersChanged,
		usersAffected: []SocialUser{changedAlice},
	})
	harness.quiesce(t)
	assert.Equal(t, 1, len(harness.eventsOfType(SocialEventTypeProfilesChanged)))

	snapshot := harness.graph.ActiveBufferSocialGraph()
	assert.Equal(t, "Alice2", snapshot.User(100).Gamertag)
}

func TestFullRefreshDetectsRemoval(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice(), bob()}, testGraphSettings())
	harness.pumpUntil(t, "both in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.Size() == 2
	})

	harness.peoplehub.setFullGraph([]SocialUser{alice()})
	harness.graph.refreshGraph()

	snapshot := harness.pumpUntil(t, "bob removed by refresh", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(200) == nil
	})
	assert.Equal(t, 1, snapshot.Size())
	assert.NotEqual(t, snapshot.User(100), nil)

	removed := harness.eventsOfType(SocialEventTypeUsersRemovedFromSocialGraph)
	assert.Equal(t, 1, len(removed))
	assert.Equal(t, []XboxUserId{200}, removed[0].UsersAffected)
}

func TestFullRefreshEmitsProfileDelta(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice()}, testGraphSettings())
	harness.pumpUntil(t, "alice in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(100) != nil
	})

	driftedAlice := alice()
	driftedAlice.Gamertag = "AliceDrift"
	harness.peoplehub.setFullGraph([]SocialUser{driftedAlice})
	harness.graph.refreshGraph()

	harness.pumpUntil(t, "profile delta", func(snapshot *GraphSnapshot) bool {
		return len(harness.eventsOfType(SocialEventTypeProfilesChanged)) == 1
	})
	snapshot := harness.graph.ActiveBufferSocialGraph()
	assert.Equal(t, "AliceDrift", snapshot.User(100).Gamertag)
}

func TestTitleStartTriggersPresencePoll(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice()}, testGraphSettings())
	harness.pumpUntil(t, "alice in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(100) != nil
	})

	playingRecord := PresenceRecord{
		XboxUserId: 100,
		UserState:  UserPresenceStateOnline,
		TitleRecords: []TitleRecord{
			{
				TitleId:       4242,
				TitleName:     "Halo",
				IsTitleActive: true,
			},
		},
	}
	harness.presence.stateLock.Lock()
	harness.presence.records = []PresenceRecord{playingRecord}
	harness.presence.stateLock.Unlock()

	harness.presence.fireTitlePresence(TitlePresenceChangeEventArgs{
		XboxUserId: 100,
		TitleId:    4242,
		TitleState: TitlePresenceStateStarted,
	})

	snapshot := harness.pumpUntil(t, "presence updated", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil &&
			snapshot.User(100) != nil &&
			snapshot.User(100).PresenceRecord.IsUserPlayingTitle(4242)
	})
	assert.Equal(t, UserPresenceStateOnline, snapshot.User(100).PresenceRecord.UserState)
	assert.Equal(t, true, 0 < len(harness.eventsOfType(SocialEventTypePresenceChanged)))
}

func TestTitleEndUpdatesInline(t *testing.T) {
	playingAlice := alice()
	playingAlice.PresenceRecord.UserState = UserPresenceStateOnline
	playingAlice.PresenceRecord.TitleRecords = []TitleRecord{
		{
			TitleId:       4242,
			IsTitleActive: true,
		},
	}
	harness := newGraphTestHarness(t, []SocialUser{playingAlice}, testGraphSettings())
	harness.pumpUntil(t, "alice playing", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil &&
			snapshot.User(100) != nil &&
			snapshot.User(100).PresenceRecord.IsUserPlayingTitle(4242)
	})

	harness.presence.fireTitlePresence(TitlePresenceChangeEventArgs{
		XboxUserId: 100,
		TitleId:    4242,
		TitleState: TitlePresenceStateEnded,
	})

	harness.pumpUntil(t, "title removed", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil &&
			snapshot.User(100) != nil &&
			!snapshot.User(100).PresenceRecord.IsUserPlayingTitle(4242)
	})
	assert.Equal(t, true, 0 < len(harness.eventsOfType(SocialEventTypePresenceChanged)))
}

func TestDevicePresenceInlineUpdate(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice()}, testGraphSettings())
	harness.pumpUntil(t, "alice in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(100) != nil
	})

	// a single-device logoff is applied inline with no authoritative poll
	harness.presence.fireDevicePresence(DevicePresenceChangeEventArgs{
		XboxUserId:           100,
		DeviceType:           DeviceTypeXboxOne,
		IsUserLoggedOnDevice: false,
	})

	snapshot := harness.pumpUntil(t, "device recorded", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil &&
			snapshot.User(100) != nil &&
			0 < len(snapshot.User(100).PresenceRecord.DeviceRecords)
	})
	deviceRecord := snapshot.User(100).PresenceRecord.DeviceRecords[0]
	assert.Equal(t, DeviceTypeXboxOne, deviceRecord.DeviceType)
	assert.Equal(t, false, deviceRecord.IsLoggedOn)
	assert.Equal(t, 0, harness.presence.batchCalls())
}

func TestRelationshipRemovedNotification(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice(), bob()}, testGraphSettings())
	harness.pumpUntil(t, "both in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.Size() == 2
	})

	harness.social.fireRelationshipChange(SocialRelationshipChangeEventArgs{
		SocialNotification: SocialNotificationRemoved,
		XboxUserIds:        []XboxUserId{200},
	})

	harness.pumpUntil(t, "bob removed by notification", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(200) == nil
	})
}

func TestRtaReconnectResubscribes(t *testing.T) {
	harness := newGraphTestHarness(t, []SocialUser{alice()}, testGraphSettings())
	harness.pumpUntil(t, "alice in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(100) != nil
	})

	states := make(chan ConnectionState, 4)
	harness.graph.SetRtaStateHandler(func(state ConnectionState) {
		states <- state
	})

	subsBefore := harness.social.subscribeCount()
	harness.rta.fireConnectionState(ConnectionStateDisconnected)
	harness.rta.fireConnectionState(ConnectionStateConnected)

	assert.Equal(t, ConnectionStateDisconnected, <-states)
	assert.Equal(t, ConnectionStateConnected, <-states)

	// the relationship channel and every tracked user are resubscribed
	deadline := time.Now().Add(5 * time.Second)
	for {
		if subsBefore < harness.social.subscribeCount() && 2 <= harness.presence.deviceSubCount(100) {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatal("resubscribe not observed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEnableRichPresencePolling(t *testing.T) {
	settings := testGraphSettings()
	settings.TimePerCall = 10 * time.Millisecond
	harness := newGraphTestHarness(t, []SocialUser{alice()}, settings)
	harness.pumpUntil(t, "alice in snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil && snapshot.User(100) != nil
	})

	onlineRecord := PresenceRecord{
		XboxUserId: 100,
		UserState:  UserPresenceStateOnline,
	}
	harness.presence.stateLock.Lock()
	harness.presence.records = []PresenceRecord{onlineRecord}
	harness.presence.stateLock.Unlock()

	harness.graph.EnableRichPresencePolling(true)

	harness.pumpUntil(t, "polled presence applied", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil &&
			snapshot.User(100) != nil &&
			snapshot.User(100).PresenceRecord.UserState == UserPresenceStateOnline
	})

	harness.graph.EnableRichPresencePolling(false)

	// polling stops within one window
	time.Sleep(3 * settings.TimePerCall)
	callsAfterDisable := harness.presence.batchCalls()
	time.Sleep(3 * settings.TimePerCall)
	assert.Equal(t, callsAfterDisable, harness.presence.batchCalls())
}

func TestAddUsersInvalidId(t *testing.T) {
	harness := newGraphTestHarness(t, nil, testGraphSettings())

	completed := make(chan error, 1)
	harness.graph.AddUsers([]string{"not-a-xuid"}, func(err error) {
		completed <- err
	})

	select {
	case err := <-completed:
		assert.Equal(t, ErrorKindInvalidArgument, ErrorKindOf(err))
	case <-time.After(time.Second):
		t.Fatal("invalid add not rejected")
	}
}

func TestAddUsersFetchErrorSurfaces(t *testing.T) {
	harness := newGraphTestHarness(t, nil, testGraphSettings())
	harness.peoplehub.stateLock.Lock()
	harness.peoplehub.batchErr = newSocialError(ErrorKindHttpOther, "peoplehub unavailable", nil)
	harness.peoplehub.stateLock.Unlock()

	completed := make(chan error, 1)
	harness.graph.AddUsers([]string{"500"}, func(err error) {
		completed <- err
	})

	select {
	case err := <-completed:
		assert.Equal(t, ErrorKindHttpOther, ErrorKindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("fetch error not surfaced to completion")
	}

	harness.pumpUntil(t, "error event surfaced", func(snapshot *GraphSnapshot) bool {
		for _, evt := range harness.eventsOfType(SocialEventTypeUsersAddedToSocialGraph) {
			if evt.Err != nil && slices.Contains(evt.UsersAffected, 500) {
				return true
			}
		}
		return false
	})
}

func TestInitializeToleratesFailedDependency(t *testing.T) {
	harness := &graphTestHarness{
		peoplehub: newMockPeopleHub(nil),
		presence:  newMockPresence(),
		social:    newMockSocial(),
		rta:       newMockRta(),
	}
	harness.peoplehub.fullErr = newSocialError(ErrorKindHttpDependencyFailed, "failed dependency", nil)
	harness.graph = NewSocialGraph(
		context.Background(),
		&XblToken{XboxUserId: 1, TitleId: 4242},
		DetailLevelNoExtraDetail,
		harness.peoplehub,
		harness.presence,
		harness.social,
		harness.rta,
		testGraphSettings(),
		nil,
	)
	t.Cleanup(harness.graph.Close)

	err := harness.graph.Initialize(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, true, harness.graph.IsInitialized())

	snapshot := harness.pumpUntil(t, "empty snapshot", func(snapshot *GraphSnapshot) bool {
		return snapshot != nil
	})
	assert.Equal(t, 0, snapshot.Size())
}

func TestInitializeFailsOnOtherError(t *testing.T) {
	peoplehub := newMockPeopleHub(nil)
	peoplehub.fullErr = newSocialError(ErrorKindHttpOther, "service unavailable", nil)
	graph := NewSocialGraph(
		context.Background(),
		&XblToken{XboxUserId: 1, TitleId: 4242},
		DetailLevelNoExtraDetail,
		peoplehub,
		newMockPresence(),
		newMockSocial(),
		newMockRta(),
		testGraphSettings(),
		nil,
	)
	t.Cleanup(graph.Close)

	err := graph.Initialize(context.Background())
	assert.NotEqual(t, err, nil)
	assert.Equal(t, false, graph.IsInitialized())
}
