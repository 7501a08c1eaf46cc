package social

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

const TimePerCall = 30 * time.Second
const RefreshTime = 20 * time.Minute
const NumEventsPerFrame = 5

type socialGraphState int

const (
	socialGraphStateNormal socialGraphState = iota
	socialGraphStateEventProcessing
	socialGraphStateRefresh
	socialGraphStateDiff
)

type userSubscriptions struct {
	devicePresenceChangeSubscription *RtaSubscription
	titlePresenceChangeSubscription  *RtaSubscription
}

type SocialGraphSettings struct {
	TimePerCall       time.Duration
	RefreshTime       time.Duration
	NumEventsPerFrame int
	WorkerIdleSleep   time.Duration
}

func DefaultSocialGraphSettings() *SocialGraphSettings {
	return &SocialGraphSettings{
		TimePerCall:       TimePerCall,
		RefreshTime:       RefreshTime,
		NumEventsPerFrame: NumEventsPerFrame,
		WorkerIdleSleep:   30 * time.Millisecond,
	}
}

// GraphSnapshot is a read-only view of the active buffer. It is stable until
// the caller's next DoWork; holders must not retain it across frames.
type GraphSnapshot struct {
	buffer *userBuffer
}

func (self *GraphSnapshot) User(xuid XboxUserId) *SocialUser {
	if self == nil || self.buffer == nil {
		return nil
	}
	return self.buffer.user(xuid)
}

func (self *GraphSnapshot) Xuids() []XboxUserId {
	if self == nil || self.buffer == nil {
		return nil
	}
	xuids := []XboxUserId{}
	for xuid, userContext := range self.buffer.graph {
		if userContext.slot != noSlot {
			xuids = append(xuids, xuid)
		}
	}
	return xuids
}

func (self *GraphSnapshot) Size() int {
	return len(self.Xuids())
}

type ChangeStruct struct {
	Snapshot       *GraphSnapshot
	EventsAppended int
}

// SocialGraph is a locally cached, eventually consistent projection of the
// caller's social relationships enriched with presence and profile data,
// read by the application once per frame through DoWork.
type SocialGraph struct {
	ctx    context.Context
	cancel context.CancelFunc

	user        XboxUserId
	titleId     uint32
	detailLevel DetailLevel

	peoplehub PeopleHubService
	presence  PresenceService
	social    SocialService
	rta       RtaService

	settings *SocialGraphSettings

	// acquisition order is always stateMutex -> graphMutex -> priorityMutex
	stateMutex    sync.Mutex
	graphMutex    sync.Mutex
	priorityMutex sync.Mutex

	userBuffer         *userBuffersHolder
	internalEventQueue *internalEventQueue
	socialEventQueue   *socialEventQueue

	// guarded by graphMutex
	subscriptions         map[XboxUserId]*userSubscriptions
	socialRelationshipSub *RtaSubscription
	isInitialized         bool
	wasDisconnected       bool
	isPollingRichPresence bool
	rtaStateHandler       ConnectionStateChangeFunction

	// guarded by priorityMutex
	state              socialGraphState
	numEventsThisFrame int

	// guarded by stateMutex
	shouldCancelPolling bool

	presenceRefreshTimer    *CallBufferTimer
	presencePollingTimer    *CallBufferTimer
	socialGraphRefreshTimer *CallBufferTimer
	resyncRefreshTimer      *CallBufferTimer

	removeHandlerFuncs []func()

	destructionComplete func()
}

func NewSocialGraphWithDefaults(
	ctx context.Context,
	token *XblToken,
	detailLevel DetailLevel,
	peoplehub PeopleHubService,
	presence PresenceService,
	social SocialService,
	rta RtaService,
) *SocialGraph {
	return NewSocialGraph(ctx, token, detailLevel, peoplehub, presence, social, rta, DefaultSocialGraphSettings(), nil)
}

func NewSocialGraph(
	ctx context.Context,
	token *XblToken,
	detailLevel DetailLevel,
	peoplehub PeopleHubService,
	presence PresenceService,
	social SocialService,
	rta RtaService,
	settings *SocialGraphSettings,
	destructionComplete func(),
) *SocialGraph {
	cancelCtx, cancel := context.WithCancel(ctx)
	socialGraph := &SocialGraph{
		ctx:                 cancelCtx,
		cancel:              cancel,
		user:                token.XboxUserId,
		titleId:             token.TitleId,
		detailLevel:         detailLevel,
		peoplehub:           peoplehub,
		presence:            presence,
		social:              social,
		rta:                 rta,
		settings:            settings,
		userBuffer:          newUserBuffersHolder(),
		internalEventQueue:  newInternalEventQueue(),
		socialEventQueue:    newSocialEventQueue(),
		subscriptions:       map[XboxUserId]*userSubscriptions{},
		state:               socialGraphStateNormal,
		destructionComplete: destructionComplete,
	}
	glog.V(1).Infof("social_graph created for %s\n", socialGraph.user)
	return socialGraph
}

// Initialize fetches the full followed list, populates both buffers
// identically, subscribes presence for every user plus the relationship
// channel, schedules the periodic refresh and spawns the event worker. A
// failed-dependency status from the initial fetch is tolerated and the graph
// starts empty.
func (self *SocialGraph) Initialize(ctx context.Context) error {
	// timers first: the rta handlers registered below fire into them
	self.presenceRefreshTimer = NewCallBufferTimer(
		self.ctx,
		func(xuids []string, completion *completionContext) {
			self.presenceTimerCallback(xuids)
		},
		self.settings.TimePerCall,
	)
	self.presencePollingTimer = NewCallBufferTimer(
		self.ctx,
		func(xuids []string, completion *completionContext) {
			self.presenceTimerCallback(xuids)
		},
		self.settings.TimePerCall,
	)
	self.socialGraphRefreshTimer = NewCallBufferTimer(
		self.ctx,
		func(xuids []string, completion *completionContext) {
			self.socialGraphTimerCallback(xuids, completion)
		},
		self.settings.TimePerCall,
	)
	self.resyncRefreshTimer = NewCallBufferTimer(
		self.ctx,
		func(xuids []string, completion *completionContext) {
			self.refreshGraph()
		},
		self.settings.TimePerCall,
	)

	self.setupRta()

	go self.refreshLoop()
	go self.run()

	socialUsers, err := self.peoplehub.GetSocialGraph(ctx, self.detailLevel, nil)
	if err != nil {
		// a failed dependency is allowed while initializing
		if !isFailedDependency(err) {
			return err
		}
		socialUsers = nil
	}

	self.initializeSocialBuffers(socialUsers)

	if 0 < len(socialUsers) {
		self.socialEventQueue.Push(
			&internalSocialEvent{
				eventType:     internalSocialEventTypeUsersChanged,
				usersAffected: socialUsers,
			},
			SocialEventTypeUsersAddedToSocialGraph,
			nil,
		)
	}

	for _, user := range socialUsers {
		devicePresenceSub, deviceErr := self.presence.SubscribeToDevicePresenceChange(user.XboxUserId)
		titlePresenceSub, titleErr := self.presence.SubscribeToTitlePresenceChange(user.XboxUserId, self.titleId)
		if deviceErr != nil || titleErr != nil {
			return newSocialError(ErrorKindRuntime, "subscription initialization failed", nil)
		}

		self.graphMutex.Lock()
		self.priorityMutex.Lock()
		self.subscriptions[user.XboxUserId] = &userSubscriptions{
			devicePresenceChangeSubscription: devicePresenceSub,
			titlePresenceChangeSubscription:  titlePresenceSub,
		}
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()
	}

	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	self.isInitialized = true
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()

	glog.Infof("social graph initialized for %s with %d users\n", self.user, len(socialUsers))
	return nil
}

func (self *SocialGraph) Close() {
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	defer self.priorityMutex.Unlock()
	defer self.graphMutex.Unlock()

	self.cancel()
	for _, removeHandler := range self.removeHandlerFuncs {
		removeHandler()
	}
	self.removeHandlerFuncs = nil
	self.rta.Deactivate()

	if self.destructionComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("panic during graph destruction complete callback: %v\n", r)
				}
			}()
			self.destructionComplete()
		}()
	}
	glog.V(1).Infof("social_graph destroyed for %s\n", self.user)
}

func (self *SocialGraph) IsInitialized() bool {
	self.graphMutex.Lock()
	defer self.graphMutex.Unlock()
	return self.isInitialized
}

func (self *SocialGraph) TitleId() uint32 {
	return self.titleId
}

func (self *SocialGraph) SetRtaStateHandler(handler ConnectionStateChangeFunction) {
	self.graphMutex.Lock()
	defer self.graphMutex.Unlock()
	self.rtaStateHandler = handler
}

// AddUsers pins the given ids in the graph. New ids are pinned without a slot
// until a batched fetch fills their profiles; already tracked ids have their
// ref count incremented and the completion resolves immediately.
func (self *SocialGraph) AddUsers(users []string, complete func(err error)) {
	for _, xuidStr := range users {
		if _, err := ParseXboxUserId(xuidStr); err != nil {
			if complete != nil {
				go complete(err)
			}
			return
		}
	}

	self.internalEventQueue.Push(&internalSocialEvent{
		eventType:     internalSocialEventTypeUsersAdded,
		userIdStrings: users,
		complete:      complete,
	})
}

// RemoveUsers decrements each id's ref count; at zero the user is evicted
// and its subscriptions torn down.
func (self *SocialGraph) RemoveUsers(users []XboxUserId) {
	self.internalEventQueue.Push(&internalSocialEvent{
		eventType:     internalSocialEventTypeUsersRemoved,
		usersToRemove: users,
	})
}

// DoWork is the frame pump. It takes the priority lock only and never
// suspends. When the state machine is quiescent and the inactive buffer has
// no unapplied replay events, the buffers swap so the freshly mutated
// snapshot becomes readable; accumulated public events drain to the caller.
func (self *SocialGraph) DoWork(socialEvents *[]SocialEvent) ChangeStruct {
	self.priorityMutex.Lock()
	defer self.priorityMutex.Unlock()

	self.numEventsThisFrame = 0

	changeStruct := ChangeStruct{}
	if self.state == socialGraphStateNormal &&
		self.userBuffer.inactive() != nil &&
		self.userBuffer.inactive().eventQueue.Empty() {
		self.userBuffer.swap()
	}
	if activeBuffer := self.userBuffer.active(); activeBuffer != nil {
		changeStruct.Snapshot = &GraphSnapshot{
			buffer: activeBuffer,
		}
	}
	if !self.socialEventQueue.Empty() && self.state == socialGraphStateNormal {
		changeStruct.EventsAppended = self.socialEventQueue.DrainTo(socialEvents)
	}
	return changeStruct
}

// ActiveBufferSocialGraph returns the current reader-visible snapshot
// without pumping.
func (self *SocialGraph) ActiveBufferSocialGraph() *GraphSnapshot {
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	defer self.priorityMutex.Unlock()
	defer self.graphMutex.Unlock()

	if activeBuffer := self.userBuffer.active(); activeBuffer != nil {
		return &GraphSnapshot{
			buffer: activeBuffer,
		}
	}
	return nil
}

func (self *SocialGraph) AreEventsEmpty() bool {
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	defer self.priorityMutex.Unlock()
	defer self.graphMutex.Unlock()
	return self.userBuffer.bufferA.eventQueue.Empty() && self.userBuffer.bufferB.eventQueue.Empty()
}

// EnableRichPresencePolling toggles the recurring multi user presence poll.
// Cancellation races the delay timer: disabling stops the next scheduled
// iteration. A poll already in flight completes and its results are still
// applied.
func (self *SocialGraph) EnableRichPresencePolling(shouldEnablePolling bool) {
	var isPollingRichPresence bool
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	isPollingRichPresence = self.isPollingRichPresence
	self.isPollingRichPresence = shouldEnablePolling
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()

	if shouldEnablePolling && !isPollingRichPresence {
		self.stateMutex.Lock()
		self.shouldCancelPolling = false
		self.stateMutex.Unlock()
		go self.presenceRefreshCallback()
	} else if !shouldEnablePolling {
		self.stateMutex.Lock()
		self.shouldCancelPolling = true
		self.stateMutex.Unlock()
	}
}

func (self *SocialGraph) initializeSocialBuffers(socialUsers []SocialUser) {
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	defer self.priorityMutex.Unlock()
	defer self.graphMutex.Unlock()
	self.userBuffer.initialize(socialUsers)
}

// the event worker. Effectively a coroutine: each batch yields so a frame
// timed swap is never starved.
func (self *SocialGraph) run() {
	for {
		select {
		case <-self.ctx.Done():
			glog.V(1).Infof("exiting event processing loop\n")
			return
		default:
		}

		if !self.doEventWork() {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.WorkerIdleSleep):
			}
		}
	}
}

func (self *SocialGraph) doEventWork() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	hasRemainingEvent := false
	var hasCachedEvents bool
	var isInitialized bool

	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	self.setStateLocked(socialGraphStateEventProcessing)
	isInitialized = self.isInitialized
	hasCachedEvents = isInitialized &&
		self.userBuffer.inactive() != nil &&
		!self.userBuffer.inactive().eventQueue.Empty()
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()

	if hasCachedEvents {
		self.processCachedEvents()
		hasRemainingEvent = true
	} else if isInitialized {
		self.graphMutex.Lock()
		self.priorityMutex.Lock()
		self.setStateLocked(socialGraphStateNormal)
		hasRemainingEvent = self.processEventsLocked()
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()
	} else {
		self.graphMutex.Lock()
		self.priorityMutex.Lock()
		self.setStateLocked(socialGraphStateNormal)
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()
	}

	return hasRemainingEvent
}

// processCachedEvents drains the inactive buffer's replay queue. Replayed
// events mutate only; they emit no public events and make no outbound calls.
func (self *SocialGraph) processCachedEvents() {
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	defer self.priorityMutex.Unlock()
	defer self.graphMutex.Unlock()

	inactiveBuffer := self.userBuffer.inactive()
	if inactiveBuffer == nil {
		return
	}
	for {
		evt := inactiveBuffer.eventQueue.Pop()
		if evt == nil {
			break
		}
		self.applyEventLocked(evt, false)
	}
	self.setStateLocked(socialGraphStateNormal)
}

// processEventsLocked takes at most one event from the main queue; the
// worker loop re-enters until the per frame budget is used.
func (self *SocialGraph) processEventsLocked() bool {
	if self.internalEventQueue.Empty() || self.settings.NumEventsPerFrame <= self.numEventsThisFrame {
		return false
	}

	self.numEventsThisFrame += 1
	evt := self.internalEventQueue.Pop()
	if evt == nil {
		return false
	}
	self.applyEventLocked(evt, true)
	self.userBuffer.addEvent(evt)
	return true
}

func (self *SocialGraph) applyEventLocked(evt *internalSocialEvent, isFreshEvent bool) {
	inactiveBuffer := self.userBuffer.inactive()
	if inactiveBuffer == nil {
		glog.Errorf("inactive buffer null in event processing\n")
		return
	}

	eventType := SocialEventTypeUnknown
	switch evt.eventType {
	case internalSocialEventTypeUsersAdded:
		glog.V(2).Infof("applying internal event: users_added\n")
		self.applyUsersAddedEventLocked(evt, inactiveBuffer, isFreshEvent)
	case internalSocialEventTypeUsersChanged:
		glog.V(2).Infof("applying internal event: users_changed\n")
		self.applyUsersChangeEventLocked(evt, inactiveBuffer, isFreshEvent)
	case internalSocialEventTypeUsersRemoved:
		glog.V(2).Infof("applying internal event: users_removed\n")
		self.applyUsersRemovedEventLocked(evt, inactiveBuffer, &eventType, isFreshEvent)
	case internalSocialEventTypeDevicePresenceChanged:
		glog.V(2).Infof("applying internal event: device_presence_changed\n")
		self.applyDevicePresenceChangedEventLocked(evt, inactiveBuffer, isFreshEvent, &eventType)
	case internalSocialEventTypeTitlePresenceChanged:
		glog.V(2).Infof("applying internal event: title_presence_changed\n")
		user := inactiveBuffer.user(evt.titlePresenceArgs.XboxUserId)
		if user == nil {
			glog.Errorf("social user %s not found in title presence change\n", evt.titlePresenceArgs.XboxUserId)
			break
		}
		if evt.titlePresenceArgs.TitleState == TitlePresenceStateEnded {
			user.PresenceRecord.removeTitle(evt.titlePresenceArgs.TitleId)
		}
		eventType = SocialEventTypePresenceChanged
	case internalSocialEventTypePresenceChanged:
		glog.V(2).Infof("applying internal event: presence_changed\n")
		self.applyPresenceChangedEventLocked(evt, inactiveBuffer, isFreshEvent)
	case internalSocialEventTypeProfilesChanged, internalSocialEventTypeSocialRelationshipsChanged:
		glog.V(2).Infof("applying internal event: profiles or relationships changed\n")
		for i := range evt.usersAffected {
			user := inactiveBuffer.user(evt.usersAffected[i].XboxUserId)
			if user == nil {
				glog.Errorf("social user %s not found in profile change\n", evt.usersAffected[i].XboxUserId)
				continue
			}
			*user = evt.usersAffected[i]
		}
		if evt.eventType == internalSocialEventTypeSocialRelationshipsChanged {
			eventType = SocialEventTypeSocialRelationshipsChanged
		} else {
			eventType = SocialEventTypeProfilesChanged
		}
	default:
		glog.Errorf("unknown event in process events\n")
	}

	if isFreshEvent {
		self.socialEventQueue.Push(evt, eventType, evt.err)
	}
}

func (self *SocialGraph) applyUsersAddedEventLocked(
	evt *internalSocialEvent,
	inactiveBuffer *userBuffer,
	isFreshEvent bool,
) {
	usersToAdd := []string{}
	for _, xuidStr := range evt.userIdStrings {
		xuid, err := ParseXboxUserId(xuidStr)
		if err != nil {
			continue
		}
		if userContext := inactiveBuffer.context(xuid); userContext != nil {
			userContext.refCount += 1
		} else {
			usersToAdd = append(usersToAdd, xuidStr)
		}
	}

	if len(usersToAdd) == 0 {
		if isFreshEvent && evt.complete != nil {
			// off the lock path; completions may call back into the graph
			go evt.complete(nil)
		}
		return
	}

	if isFreshEvent {
		completion := &completionContext{
			token:      NewId(),
			numObjects: len(usersToAdd),
			complete:   evt.complete,
		}
		self.socialGraphRefreshTimer.FireWithCompletion(usersToAdd, completion)
	}

	for _, xuidStr := range usersToAdd {
		xuid, _ := ParseXboxUserId(xuidStr)
		inactiveBuffer.graph[xuid] = &socialUserContext{
			slot:     noSlot,
			refCount: 1,
		}
	}
}

func (self *SocialGraph) applyUsersRemovedEventLocked(
	evt *internalSocialEvent,
	inactiveBuffer *userBuffer,
	eventType *SocialEventType,
	isFreshEvent bool,
) {
	removeUsers := []XboxUserId{}
	evictedUsers := []XboxUserId{}
	for _, xuid := range evt.usersToRemove {
		userContext := inactiveBuffer.context(xuid)
		if userContext == nil || userContext.refCount == 0 {
			continue
		}
		userContext.refCount -= 1
		if userContext.refCount == 0 {
			evictedUsers = append(evictedUsers, xuid)
			if userContext.slot != noSlot {
				removeUsers = append(removeUsers, xuid)
			} else {
				delete(inactiveBuffer.graph, xuid)
			}
			*eventType = SocialEventTypeUsersRemovedFromSocialGraph
		}
	}

	inactiveBuffer.removeUsersFromBuffer(removeUsers)
	if isFreshEvent {
		// the public event reports only the evicted subset; ids that kept a
		// positive ref count are still in the graph
		evt.usersEvicted = evictedUsers
		self.unsubscribeUsers(removeUsers)
	}
}

func (self *SocialGraph) applyUsersChangeEventLocked(
	evt *internalSocialEvent,
	inactiveBuffer *userBuffer,
	isFreshEvent bool,
) {
	if isFreshEvent && evt.completion != nil {
		go evt.completion.resolve(evt.err)
	}

	if evt.err != nil {
		if isFreshEvent {
			self.socialEventQueue.Push(evt, SocialEventTypeUsersAddedToSocialGraph, evt.err)
		}
		return
	}

	usersToAdd := []SocialUser{}
	usersChanged := []SocialUser{}
	for i := range evt.usersAffected {
		user := evt.usersAffected[i]
		userContext := inactiveBuffer.context(user.XboxUserId)
		if userContext == nil {
			if !evt.createContexts {
				// deleted while the lookup was happening
				continue
			}
			userContext = &socialUserContext{
				slot:     noSlot,
				refCount: 1,
			}
			inactiveBuffer.graph[user.XboxUserId] = userContext
		}
		if userContext.slot == noSlot {
			usersToAdd = append(usersToAdd, user)
		} else {
			existingUser := inactiveBuffer.user(user.XboxUserId)
			didChange := compareSocialUsers(existingUser, &user)
			*existingUser = user
			if didChange != noChange {
				usersChanged = append(usersChanged, user)
			}
		}
	}

	if 0 < len(usersToAdd) {
		finalSize := len(usersToAdd)
		if evt.completion != nil {
			finalSize = evt.completion.numObjects
		}
		inactiveBuffer.addUsersToBuffer(usersToAdd, finalSize)

		if isFreshEvent {
			xuids := make([]XboxUserId, 0, len(usersToAdd))
			for i := range usersToAdd {
				xuids = append(xuids, usersToAdd[i].XboxUserId)
			}
			self.setupDeviceAndPresenceSubscriptions(xuids)
			self.socialEventQueue.Push(
				&internalSocialEvent{
					eventType:     internalSocialEventTypeUsersChanged,
					usersAffected: usersToAdd,
				},
				SocialEventTypeUsersAddedToSocialGraph,
				nil,
			)
		}
	}

	if 0 < len(usersChanged) && isFreshEvent {
		self.socialEventQueue.Push(
			&internalSocialEvent{
				eventType:     internalSocialEventTypeProfilesChanged,
				usersAffected: usersChanged,
			},
			SocialEventTypeProfilesChanged,
			nil,
		)
	}
}

func (self *SocialGraph) applyDevicePresenceChangedEventLocked(
	evt *internalSocialEvent,
	inactiveBuffer *userBuffer,
	isFreshEvent bool,
	eventType *SocialEventType,
) {
	devicePresenceArgs := evt.devicePresenceArgs
	user := inactiveBuffer.user(devicePresenceArgs.XboxUserId)
	if user == nil {
		glog.Errorf("device presence received for user %s not in graph\n", devicePresenceArgs.XboxUserId)
		return
	}

	// with more than one device in play, or a fresh logon, the inline flag is
	// insufficient and an authoritative poll is needed
	fireCallbackTimer := 1 < len(user.PresenceRecord.DeviceRecords) || devicePresenceArgs.IsUserLoggedOnDevice

	if fireCallbackTimer {
		if isFreshEvent {
			self.presenceRefreshTimer.Fire([]string{devicePresenceArgs.XboxUserId.String()})
		}
	} else {
		user.PresenceRecord.updateDevice(devicePresenceArgs.DeviceType, devicePresenceArgs.IsUserLoggedOnDevice)
		*eventType = SocialEventTypePresenceChanged
	}
}

func (self *SocialGraph) applyPresenceChangedEventLocked(
	evt *internalSocialEvent,
	inactiveBuffer *userBuffer,
	isFreshEvent bool,
) {
	changedRecords := []PresenceRecord{}
	for i := range evt.presenceRecords {
		record := evt.presenceRecords[i]
		if record.XboxUserId == 0 {
			glog.Errorf("invalid user in presence changed event\n")
			continue
		}
		user := inactiveBuffer.user(record.XboxUserId)
		if user == nil {
			continue
		}
		if !user.PresenceRecord.equals(&record) {
			user.PresenceRecord = record
			changedRecords = append(changedRecords, record)
		}
	}

	if isFreshEvent && 0 < len(changedRecords) {
		self.socialEventQueue.Push(
			&internalSocialEvent{
				eventType:       internalSocialEventTypePresenceChanged,
				presenceRecords: changedRecords,
			},
			SocialEventTypePresenceChanged,
			nil,
		)
	}
}

func (self *SocialGraph) setStateLocked(state socialGraphState) {
	self.state = state
}

func (self *SocialGraph) setupRta() {
	removeDevicePresence := self.presence.AddDevicePresenceChangedCallback(func(eventArgs DevicePresenceChangeEventArgs) {
		self.handleDevicePresenceChange(eventArgs)
	})
	removeTitlePresence := self.presence.AddTitlePresenceChangedCallback(func(eventArgs TitlePresenceChangeEventArgs) {
		self.handleTitlePresenceChange(eventArgs)
	})
	removeSocialRelationship := self.social.AddSocialRelationshipChangedCallback(func(eventArgs SocialRelationshipChangeEventArgs) {
		self.handleSocialRelationshipChange(eventArgs)
	})
	removeResync := self.rta.AddResyncCallback(func() {
		self.resyncRefreshTimer.Fire(nil)
	})
	removeSubscriptionError := self.rta.AddSubscriptionErrorCallback(func(eventArgs SubscriptionErrorEventArgs) {
		self.handleRtaSubscriptionError(eventArgs)
	})
	removeConnectionState := self.rta.AddConnectionStateChangedCallback(func(state ConnectionState) {
		self.handleRtaConnectionStateChange(state)
	})
	self.removeHandlerFuncs = append(
		self.removeHandlerFuncs,
		removeDevicePresence,
		removeTitlePresence,
		removeSocialRelationship,
		removeResync,
		removeSubscriptionError,
		removeConnectionState,
	)

	self.setupRtaSubscriptions(false)
}

func (self *SocialGraph) setupRtaSubscriptions(shouldReinitialize bool) {
	if !shouldReinitialize {
		// reconnects reuse the original activation
		self.rta.Activate()
	}

	socialRelationshipSub, err := self.social.SubscribeToSocialRelationshipChange(self.user)
	if err != nil {
		glog.Errorf("social relationship change subscription error: %s\n", err)
	} else {
		self.graphMutex.Lock()
		self.priorityMutex.Lock()
		self.socialRelationshipSub = socialRelationshipSub
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()
	}

	if shouldReinitialize {
		users := []XboxUserId{}
		self.graphMutex.Lock()
		self.priorityMutex.Lock()
		inactiveBuffer := self.userBuffer.inactive()
		if inactiveBuffer != nil {
			for xuid, userContext := range inactiveBuffer.graph {
				if userContext.slot != noSlot {
					users = append(users, xuid)
				}
			}
		}
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()

		if inactiveBuffer == nil {
			glog.Errorf("failed to reinitialize rta subs\n")
			return
		}
		self.setupDeviceAndPresenceSubscriptions(users)
	}
}

// setupDeviceAndPresenceSubscriptions subscribes on a background task;
// subscription failures are logged and the user remains in the graph.
func (self *SocialGraph) setupDeviceAndPresenceSubscriptions(users []XboxUserId) {
	go func() {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		for _, xuid := range users {
			devicePresenceSub, deviceErr := self.presence.SubscribeToDevicePresenceChange(xuid)
			titlePresenceSub, titleErr := self.presence.SubscribeToTitlePresenceChange(xuid, self.titleId)
			if deviceErr != nil || titleErr != nil {
				glog.Errorf("presence subscription failed in social graph for %s\n", xuid)
			}

			self.graphMutex.Lock()
			self.priorityMutex.Lock()
			self.subscriptions[xuid] = &userSubscriptions{
				devicePresenceChangeSubscription: devicePresenceSub,
				titlePresenceChangeSubscription:  titlePresenceSub,
			}
			self.priorityMutex.Unlock()
			self.graphMutex.Unlock()
		}
	}()
}

func (self *SocialGraph) unsubscribeUsers(users []XboxUserId) {
	go func() {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		for _, xuid := range users {
			self.graphMutex.Lock()
			self.priorityMutex.Lock()
			subscriptions := self.subscriptions[xuid]
			delete(self.subscriptions, xuid)
			self.priorityMutex.Unlock()
			self.graphMutex.Unlock()

			if subscriptions == nil {
				continue
			}
			if err := self.presence.UnsubscribeFromDevicePresenceChange(subscriptions.devicePresenceChangeSubscription); err != nil {
				glog.V(1).Infof("device presence unsubscribe failed for %s: %s\n", xuid, err)
			}
			if err := self.presence.UnsubscribeFromTitlePresenceChange(subscriptions.titlePresenceChangeSubscription); err != nil {
				glog.V(1).Infof("title presence unsubscribe failed for %s: %s\n", xuid, err)
			}
		}
	}()
}

func (self *SocialGraph) refreshLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.RefreshTime):
		}
		self.refreshGraph()
	}
}

// refreshGraph refetches the full followed list and reconciles it against
// the inactive buffer. Ids tracked by the application but not followed by
// the caller are not in the full list; they are debounced through the graph
// refresh timer for a targeted fetch.
func (self *SocialGraph) refreshGraph() {
	userRefreshList := []string{}

	self.stateMutex.Lock()
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	self.setStateLocked(socialGraphStateRefresh)
	inactiveBuffer := self.userBuffer.inactive()
	if inactiveBuffer != nil {
		for xuid, userContext := range inactiveBuffer.graph {
			if userContext.slot == noSlot {
				continue
			}
			if !inactiveBuffer.storage[userContext.slot].IsFollowedByCaller {
				userRefreshList = append(userRefreshList, xuid.String())
			}
		}
	}
	self.setStateLocked(socialGraphStateNormal)
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()
	self.stateMutex.Unlock()

	if 0 < len(userRefreshList) {
		self.socialGraphRefreshTimer.Fire(userRefreshList)
	}

	socialUsers, err := self.peoplehub.GetSocialGraph(self.ctx, self.detailLevel, nil)
	if err != nil {
		glog.Errorf("refresh graph call failed: %s\n", err)
		return
	}

	socialMap := map[XboxUserId]SocialUser{}
	for i := range socialUsers {
		socialMap[socialUsers[i].XboxUserId] = socialUsers[i]
	}
	self.performDiff(socialMap)
}

// performDiff compares authoritative state to the inactive buffer and
// enqueues the deltas as separate internal events.
func (self *SocialGraph) performDiff(socialUsers map[XboxUserId]SocialUser) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	inactiveBuffer := self.userBuffer.inactive()
	if inactiveBuffer == nil {
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()
		glog.Errorf("diff cannot happen with null buffer\n")
		return
	}
	self.setStateLocked(socialGraphStateDiff)
	previousUsers := inactiveBuffer.usersByXuid()
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()

	usersAddedList := []SocialUser{}
	usersRemovedList := []XboxUserId{}
	presenceChangeList := []PresenceRecord{}
	profileChangeList := []SocialUser{}
	socialRelationshipChangeList := []SocialUser{}

	for _, xuid := range maps.Keys(socialUsers) {
		currentUser := socialUsers[xuid]
		previousUser, ok := previousUsers[xuid]
		if !ok {
			usersAddedList = append(usersAddedList, currentUser)
			continue
		}

		didChange := compareSocialUsers(&previousUser, &currentUser)
		if didChange&presenceChange == presenceChange {
			presenceChangeList = append(presenceChangeList, currentUser.PresenceRecord)
		}
		if didChange&profileChange == profileChange {
			profileChangeList = append(profileChangeList, currentUser)
		}
		if didChange&socialRelationshipChange == socialRelationshipChange {
			socialRelationshipChangeList = append(socialRelationshipChangeList, currentUser)
		}
	}

	for _, xuid := range maps.Keys(previousUsers) {
		previousUser := previousUsers[xuid]
		if _, ok := socialUsers[xuid]; !ok && previousUser.IsFollowingUser {
			usersRemovedList = append(usersRemovedList, xuid)
		}
	}

	if 0 < len(usersAddedList) {
		self.internalEventQueue.Push(&internalSocialEvent{
			eventType:      internalSocialEventTypeUsersChanged,
			usersAffected:  usersAddedList,
			createContexts: true,
		})
	}
	if 0 < len(usersRemovedList) {
		self.internalEventQueue.Push(&internalSocialEvent{
			eventType:     internalSocialEventTypeUsersRemoved,
			usersToRemove: usersRemovedList,
		})
	}
	if 0 < len(presenceChangeList) {
		self.internalEventQueue.Push(&internalSocialEvent{
			eventType:       internalSocialEventTypePresenceChanged,
			presenceRecords: presenceChangeList,
		})
	}
	if 0 < len(profileChangeList) {
		self.internalEventQueue.Push(&internalSocialEvent{
			eventType:     internalSocialEventTypeProfilesChanged,
			usersAffected: profileChangeList,
		})
	}
	if 0 < len(socialRelationshipChangeList) {
		self.internalEventQueue.Push(&internalSocialEvent{
			eventType:     internalSocialEventTypeSocialRelationshipsChanged,
			usersAffected: socialRelationshipChangeList,
		})
	}

	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	self.setStateLocked(socialGraphStateNormal)
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()
}

// socialGraphTimerCallback issues the batched targeted fetch behind
// AddUsers and relationship changes.
func (self *SocialGraph) socialGraphTimerCallback(users []string, completion *completionContext) {
	if len(users) == 0 {
		return
	}

	socialUsers, err := self.peoplehub.GetSocialGraph(self.ctx, self.detailLevel, users)
	if err != nil {
		self.internalEventQueue.Push(&internalSocialEvent{
			eventType:     internalSocialEventTypeUsersChanged,
			userIdStrings: users,
			err:           err,
			completion:    completion,
		})
		return
	}

	self.internalEventQueue.Push(&internalSocialEvent{
		eventType:     internalSocialEventTypeUsersChanged,
		usersAffected: socialUsers,
		completion:    completion,
	})
}

// presenceTimerCallback batch queries authoritative presence for the given
// users and enqueues the result as one presence changed event.
func (self *SocialGraph) presenceTimerCallback(users []string) {
	if len(users) == 0 {
		return
	}

	presenceRecords, err := self.presence.GetPresenceForMultipleUsers(
		self.ctx,
		users,
		nil,
		nil,
		PresenceDetailLevelAll,
	)
	if err != nil {
		glog.Errorf("presence record update failed: %s\n", err)
		return
	}

	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	if self.userBuffer.inactive() == nil {
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()
		glog.Errorf("cannot update presence when user buffer is null\n")
		return
	}
	self.setStateLocked(socialGraphStateRefresh)
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()

	self.internalEventQueue.Push(&internalSocialEvent{
		eventType:       internalSocialEventTypePresenceChanged,
		presenceRecords: presenceRecords,
	})

	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	self.setStateLocked(socialGraphStateNormal)
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()
}

// presenceRefreshCallback is one iteration of the opt-in rich presence poll.
// It debounces all tracked ids through the polling timer and reschedules
// itself until cancelled.
func (self *SocialGraph) presenceRefreshCallback() {
	if self.presencePollingTimer == nil {
		return
	}

	userList := []string{}

	self.stateMutex.Lock()
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	inactiveBuffer := self.userBuffer.inactive()
	if inactiveBuffer != nil {
		self.setStateLocked(socialGraphStateRefresh)
		for xuid, userContext := range inactiveBuffer.graph {
			if userContext.slot != noSlot {
				userList = append(userList, xuid.String())
			}
		}
		self.setStateLocked(socialGraphStateNormal)
	}
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()
	self.stateMutex.Unlock()

	if inactiveBuffer != nil {
		self.presencePollingTimer.Fire(userList)
	}

	go func() {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.TimePerCall):
		}

		self.stateMutex.Lock()
		shouldCancel := self.shouldCancelPolling
		self.stateMutex.Unlock()
		if shouldCancel {
			return
		}
		self.presenceRefreshCallback()
	}()
}

func (self *SocialGraph) handleDevicePresenceChange(eventArgs DevicePresenceChangeEventArgs) {
	if eventArgs.XboxUserId == 0 {
		glog.Errorf("invalid user in device presence change\n")
		return
	}
	self.internalEventQueue.Push(&internalSocialEvent{
		eventType:          internalSocialEventTypeDevicePresenceChanged,
		devicePresenceArgs: eventArgs,
	})
}

func (self *SocialGraph) handleTitlePresenceChange(eventArgs TitlePresenceChangeEventArgs) {
	if eventArgs.TitleState == TitlePresenceStateStarted {
		// the inline record is insufficient; a full poll is required
		self.presenceRefreshTimer.Fire([]string{eventArgs.XboxUserId.String()})
	} else {
		self.internalEventQueue.Push(&internalSocialEvent{
			eventType:         internalSocialEventTypeTitlePresenceChanged,
			titlePresenceArgs: eventArgs,
		})
	}
}

func (self *SocialGraph) handleSocialRelationshipChange(eventArgs SocialRelationshipChangeEventArgs) {
	switch eventArgs.SocialNotification {
	case SocialNotificationAdded:
		userIdStrings := make([]string, 0, len(eventArgs.XboxUserIds))
		for _, xuid := range eventArgs.XboxUserIds {
			userIdStrings = append(userIdStrings, xuid.String())
		}
		self.internalEventQueue.Push(&internalSocialEvent{
			eventType:     internalSocialEventTypeUsersAdded,
			userIdStrings: userIdStrings,
		})
	case SocialNotificationChanged:
		userIdStrings := make([]string, 0, len(eventArgs.XboxUserIds))
		for _, xuid := range eventArgs.XboxUserIds {
			userIdStrings = append(userIdStrings, xuid.String())
		}
		self.socialGraphRefreshTimer.Fire(userIdStrings)
	case SocialNotificationRemoved:
		self.RemoveUsers(eventArgs.XboxUserIds)
	}
}

func (self *SocialGraph) handleRtaSubscriptionError(eventArgs SubscriptionErrorEventArgs) {
	glog.Errorf("rta subscription error in social graph: %s\n", eventArgs.Err)
}

func (self *SocialGraph) handleRtaConnectionStateChange(state ConnectionState) {
	self.graphMutex.Lock()
	self.priorityMutex.Lock()
	wasDisconnected := self.wasDisconnected
	self.priorityMutex.Unlock()
	self.graphMutex.Unlock()

	if state == ConnectionStateDisconnected {
		self.graphMutex.Lock()
		self.priorityMutex.Lock()
		self.wasDisconnected = true
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()
	} else if state == ConnectionStateConnected && wasDisconnected {
		self.graphMutex.Lock()
		self.priorityMutex.Lock()
		self.wasDisconnected = false
		self.priorityMutex.Unlock()
		self.graphMutex.Unlock()

		glog.Infof("rta reconnected; resubscribing social graph for %s\n", self.user)
		self.setupRtaSubscriptions(true)
		self.resyncRefreshTimer.Fire(nil)
	}

	self.graphMutex.Lock()
	rtaStateHandler := self.rtaStateHandler
	self.graphMutex.Unlock()
	if rtaStateHandler != nil {
		rtaStateHandler(state)
	}
}
