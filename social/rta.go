package social

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

// The real-time activity channel multiplexes device-presence,
// title-presence and social-relationship subscriptions over one websocket.
// Frames are JSON arrays:
//   subscribe:   [1, sequence, resourceUri]
//   sub reply:   [1, sequence, status, serverSubId, initialPayload]
//   unsubscribe: [2, sequence, serverSubId]
//   event:       [3, serverSubId, payload]
//   resync:      [4]

const (
	rtaMessageTypeSubscribe   = 1
	rtaMessageTypeUnsubscribe = 2
	rtaMessageTypeEvent       = 3
	rtaMessageTypeResync      = 4
)

type rtaSubscriptionKind int

const (
	rtaSubscriptionKindDevicePresence rtaSubscriptionKind = iota
	rtaSubscriptionKindTitlePresence
	rtaSubscriptionKindSocialRelationship
)

type RtaSubscription struct {
	SubscriptionId Id
	ResourceUri    string

	kind        rtaSubscriptionKind
	xboxUserId  XboxUserId
	titleId     uint32
	serverSubId int64
	confirmed   bool
}

type DevicePresenceChangeEventArgs struct {
	XboxUserId           XboxUserId
	DeviceType           DeviceType
	IsUserLoggedOnDevice bool
}

type TitlePresenceChangeEventArgs struct {
	XboxUserId XboxUserId
	TitleId    uint32
	TitleState TitlePresenceState
}

type SocialRelationshipChangeEventArgs struct {
	SocialNotification SocialNotification
	XboxUserIds        []XboxUserId
}

type SubscriptionErrorEventArgs struct {
	Subscription *RtaSubscription
	Err          error
}

type DevicePresenceChangeFunction = func(eventArgs DevicePresenceChangeEventArgs)
type TitlePresenceChangeFunction = func(eventArgs TitlePresenceChangeEventArgs)
type SocialRelationshipChangeFunction = func(eventArgs SocialRelationshipChangeEventArgs)
type ConnectionStateChangeFunction = func(state ConnectionState)
type SubscriptionErrorFunction = func(eventArgs SubscriptionErrorEventArgs)

// RtaService is the connection-level surface the graph consumes.
type RtaService interface {
	Activate()
	Deactivate()
	AddConnectionStateChangedCallback(callback ConnectionStateChangeFunction) func()
	AddResyncCallback(callback func()) func()
	AddSubscriptionErrorCallback(callback SubscriptionErrorFunction) func()
}

type RtaClientSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultRtaClientSettings() *RtaClientSettings {
	return &RtaClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

type RtaClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	rtaUrl   string
	rawToken string

	settings *RtaClientSettings

	stateLock     sync.Mutex
	activateCount int
	runCancel     context.CancelFunc
	ws            *websocket.Conn
	wsWriteLock   sync.Mutex
	nextSequence  int64
	// sequence -> subscription awaiting a subscribe reply
	pendingSubscriptions map[int64]*RtaSubscription
	// server sub id -> subscription
	serverSubscriptions map[int64]*RtaSubscription
	// subscription id -> subscription. Cleared when the connection drops;
	// entries registered while no connection is up are sent when the next
	// connection opens
	subscriptions map[Id]*RtaSubscription

	connectionStateChangeCallbacks *CallbackList[ConnectionStateChangeFunction]
	resyncCallbacks                *CallbackList[func()]
	subscriptionErrorCallbacks     *CallbackList[SubscriptionErrorFunction]
	devicePresenceCallbacks        *CallbackList[DevicePresenceChangeFunction]
	titlePresenceCallbacks         *CallbackList[TitlePresenceChangeFunction]
	socialRelationshipCallbacks    *CallbackList[SocialRelationshipChangeFunction]
}

func NewRtaClientWithDefaults(ctx context.Context, rtaUrl string, rawToken string) *RtaClient {
	return NewRtaClient(ctx, rtaUrl, rawToken, DefaultRtaClientSettings())
}

func NewRtaClient(ctx context.Context, rtaUrl string, rawToken string, settings *RtaClientSettings) *RtaClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RtaClient{
		ctx:                            cancelCtx,
		cancel:                         cancel,
		rtaUrl:                         rtaUrl,
		rawToken:                       rawToken,
		settings:                       settings,
		pendingSubscriptions:           map[int64]*RtaSubscription{},
		serverSubscriptions:            map[int64]*RtaSubscription{},
		subscriptions:                  map[Id]*RtaSubscription{},
		connectionStateChangeCallbacks: NewCallbackList[ConnectionStateChangeFunction](),
		resyncCallbacks:                NewCallbackList[func()](),
		subscriptionErrorCallbacks:     NewCallbackList[SubscriptionErrorFunction](),
		devicePresenceCallbacks:        NewCallbackList[DevicePresenceChangeFunction](),
		titlePresenceCallbacks:         NewCallbackList[TitlePresenceChangeFunction](),
		socialRelationshipCallbacks:    NewCallbackList[SocialRelationshipChangeFunction](),
	}
}

// Activate is ref counted. The first activation opens the connection, the
// last deactivation closes it.
func (self *RtaClient) Activate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.activateCount += 1
	if self.activateCount == 1 {
		runCtx, runCancel := context.WithCancel(self.ctx)
		self.runCancel = runCancel
		go self.run(runCtx)
	}
}

func (self *RtaClient) Deactivate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.activateCount == 0 {
		return
	}
	self.activateCount -= 1
	if self.activateCount == 0 && self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
}

func (self *RtaClient) Close() {
	self.cancel()
}

func (self *RtaClient) AddConnectionStateChangedCallback(callback ConnectionStateChangeFunction) func() {
	callbackId := self.connectionStateChangeCallbacks.Add(callback)
	return func() {
		self.connectionStateChangeCallbacks.Remove(callbackId)
	}
}

func (self *RtaClient) AddResyncCallback(callback func()) func() {
	callbackId := self.resyncCallbacks.Add(callback)
	return func() {
		self.resyncCallbacks.Remove(callbackId)
	}
}

func (self *RtaClient) AddSubscriptionErrorCallback(callback SubscriptionErrorFunction) func() {
	callbackId := self.subscriptionErrorCallbacks.Add(callback)
	return func() {
		self.subscriptionErrorCallbacks.Remove(callbackId)
	}
}

func (self *RtaClient) addDevicePresenceChangedCallback(callback DevicePresenceChangeFunction) func() {
	callbackId := self.devicePresenceCallbacks.Add(callback)
	return func() {
		self.devicePresenceCallbacks.Remove(callbackId)
	}
}

func (self *RtaClient) addTitlePresenceChangedCallback(callback TitlePresenceChangeFunction) func() {
	callbackId := self.titlePresenceCallbacks.Add(callback)
	return func() {
		self.titlePresenceCallbacks.Remove(callbackId)
	}
}

func (self *RtaClient) addSocialRelationshipChangedCallback(callback SocialRelationshipChangeFunction) func() {
	callbackId := self.socialRelationshipCallbacks.Add(callback)
	return func() {
		self.socialRelationshipCallbacks.Remove(callbackId)
	}
}

func (self *RtaClient) subscribe(sub *RtaSubscription) (*RtaSubscription, error) {
	self.stateLock.Lock()
	sub.SubscriptionId = NewId()
	self.subscriptions[sub.SubscriptionId] = sub
	ws := self.ws
	self.stateLock.Unlock()

	if ws != nil {
		if err := self.sendSubscribe(ws, sub); err != nil {
			// the registry is cleared when the connection drops; the
			// subscription owner re-subscribes after reconnect
			glog.V(1).Infof("rta: subscribe send failed for %s: %s\n", sub.ResourceUri, err)
		}
	}
	return sub, nil
}

func (self *RtaClient) unsubscribe(sub *RtaSubscription) error {
	if sub == nil {
		return newSocialError(ErrorKindInvalidArgument, "nil subscription", nil)
	}

	self.stateLock.Lock()
	delete(self.subscriptions, sub.SubscriptionId)
	if sub.serverSubId != 0 {
		delete(self.serverSubscriptions, sub.serverSubId)
	}
	ws := self.ws
	serverSubId := sub.serverSubId
	self.stateLock.Unlock()

	if ws != nil && serverSubId != 0 {
		sequence := self.nextSequenceNumber()
		frame := []any{rtaMessageTypeUnsubscribe, sequence, serverSubId}
		if err := self.writeFrame(ws, frame); err != nil {
			return newSocialError(ErrorKindSubscription, "unsubscribe send failed", err)
		}
	}
	return nil
}

func (self *RtaClient) nextSequenceNumber() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.nextSequence += 1
	return self.nextSequence
}

func (self *RtaClient) sendSubscribe(ws *websocket.Conn, sub *RtaSubscription) error {
	sequence := self.nextSequenceNumber()

	self.stateLock.Lock()
	self.pendingSubscriptions[sequence] = sub
	self.stateLock.Unlock()

	frame := []any{rtaMessageTypeSubscribe, sequence, sub.ResourceUri}
	return self.writeFrame(ws, frame)
}

func (self *RtaClient) writeFrame(ws *websocket.Conn, frame []any) error {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.wsWriteLock.Lock()
	defer self.wsWriteLock.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frameBytes)
}

func (self *RtaClient) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		self.connectionStateChanged(ConnectionStateConnecting)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		header := http.Header{
			"Authorization": {fmt.Sprintf("XBL3.0 x=;%s", self.rawToken)},
		}
		ws, _, err := dialer.DialContext(ctx, self.rtaUrl, header)
		if err != nil {
			glog.V(1).Infof("rta: connect failed: %s\n", err)
			self.connectionStateChanged(ConnectionStateDisconnected)
			select {
			case <-ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
			}
			continue
		}

		self.stateLock.Lock()
		self.ws = ws
		self.pendingSubscriptions = map[int64]*RtaSubscription{}
		self.serverSubscriptions = map[int64]*RtaSubscription{}
		replaySubscriptions := make([]*RtaSubscription, 0, len(self.subscriptions))
		for _, sub := range self.subscriptions {
			sub.serverSubId = 0
			sub.confirmed = false
			replaySubscriptions = append(replaySubscriptions, sub)
		}
		self.stateLock.Unlock()

		self.connectionStateChanged(ConnectionStateConnected)

		for _, sub := range replaySubscriptions {
			if err := self.sendSubscribe(ws, sub); err != nil {
				glog.V(1).Infof("rta: resubscribe failed for %s: %s\n", sub.ResourceUri, err)
			}
		}

		pingCtx, pingCancel := context.WithCancel(ctx)
		go func() {
			defer pingCancel()
			for {
				select {
				case <-pingCtx.Done():
					return
				case <-time.After(self.settings.PingTimeout):
				}
				self.wsWriteLock.Lock()
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				err := ws.WriteMessage(websocket.PingMessage, nil)
				self.wsWriteLock.Unlock()
				if err != nil {
					return
				}
			}
		}()

		self.readLoop(ctx, ws)
		pingCancel()
		ws.Close()

		// server-side subscription state died with the connection; the
		// subscription owner reconciles after reconnect
		self.stateLock.Lock()
		self.ws = nil
		self.pendingSubscriptions = map[int64]*RtaSubscription{}
		self.serverSubscriptions = map[int64]*RtaSubscription{}
		self.subscriptions = map[Id]*RtaSubscription{}
		self.stateLock.Unlock()

		self.connectionStateChanged(ConnectionStateDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RtaClient) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frameBytes, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("rta: read error: %s\n", err)
			return
		}

		var frame []jsoniter.RawMessage
		if err := json.Unmarshal(frameBytes, &frame); err != nil || len(frame) == 0 {
			glog.Errorf("rta: malformed frame: %s\n", string(frameBytes))
			continue
		}

		var messageType int
		if err := json.Unmarshal(frame[0], &messageType); err != nil {
			glog.Errorf("rta: malformed frame type: %s\n", string(frameBytes))
			continue
		}

		switch messageType {
		case rtaMessageTypeSubscribe:
			self.handleSubscribeReply(frame)
		case rtaMessageTypeEvent:
			self.handleEvent(frame)
		case rtaMessageTypeResync:
			for _, callback := range self.resyncCallbacks.Get() {
				callback()
			}
		default:
			// unknown frames are logged and dropped
			glog.V(1).Infof("rta: dropping frame type %d\n", messageType)
		}
	}
}

func (self *RtaClient) handleSubscribeReply(frame []jsoniter.RawMessage) {
	if len(frame) < 4 {
		glog.Errorf("rta: short subscribe reply\n")
		return
	}

	var sequence int64
	var status int
	var serverSubId int64
	if err := json.Unmarshal(frame[1], &sequence); err != nil {
		return
	}
	if err := json.Unmarshal(frame[2], &status); err != nil {
		return
	}
	if err := json.Unmarshal(frame[3], &serverSubId); err != nil {
		return
	}

	self.stateLock.Lock()
	sub, ok := self.pendingSubscriptions[sequence]
	delete(self.pendingSubscriptions, sequence)
	if ok && status == 0 {
		sub.serverSubId = serverSubId
		sub.confirmed = true
		self.serverSubscriptions[serverSubId] = sub
	}
	self.stateLock.Unlock()

	if !ok {
		return
	}

	if status != 0 {
		err := newSocialError(ErrorKindSubscription, fmt.Sprintf("subscribe rejected with status %d", status), nil)
		for _, callback := range self.subscriptionErrorCallbacks.Get() {
			callback(SubscriptionErrorEventArgs{
				Subscription: sub,
				Err:          err,
			})
		}
		return
	}

	// an initial event payload may ride on the reply
	if len(frame) >= 5 {
		self.dispatchSubscriptionPayload(sub, frame[4])
	}
}

func (self *RtaClient) handleEvent(frame []jsoniter.RawMessage) {
	if len(frame) < 3 {
		glog.Errorf("rta: short event frame\n")
		return
	}

	var serverSubId int64
	if err := json.Unmarshal(frame[1], &serverSubId); err != nil {
		return
	}

	self.stateLock.Lock()
	sub, ok := self.serverSubscriptions[serverSubId]
	self.stateLock.Unlock()
	if !ok {
		glog.V(1).Infof("rta: event for unknown subscription %d\n", serverSubId)
		return
	}

	self.dispatchSubscriptionPayload(sub, frame[2])
}

type rtaDevicePresencePayload struct {
	DeviceType DeviceType `json:"dev"`
	IsLoggedOn bool       `json:"loggedOn"`
}

type rtaTitlePresencePayload struct {
	TitleId uint32             `json:"tid"`
	State   TitlePresenceState `json:"state"`
}

type rtaSocialRelationshipPayload struct {
	Notification SocialNotification `json:"NotificationType"`
	Xuids        []string           `json:"Xuids"`
}

func (self *RtaClient) dispatchSubscriptionPayload(sub *RtaSubscription, payload jsoniter.RawMessage) {
	switch sub.kind {
	case rtaSubscriptionKindDevicePresence:
		var devicePresence rtaDevicePresencePayload
		if err := json.Unmarshal(payload, &devicePresence); err != nil {
			glog.Errorf("rta: malformed device presence payload for xuid %s\n", sub.xboxUserId)
			return
		}
		eventArgs := DevicePresenceChangeEventArgs{
			XboxUserId:           sub.xboxUserId,
			DeviceType:           devicePresence.DeviceType,
			IsUserLoggedOnDevice: devicePresence.IsLoggedOn,
		}
		for _, callback := range self.devicePresenceCallbacks.Get() {
			callback(eventArgs)
		}
	case rtaSubscriptionKindTitlePresence:
		var titlePresence rtaTitlePresencePayload
		if err := json.Unmarshal(payload, &titlePresence); err != nil {
			glog.Errorf("rta: malformed title presence payload for xuid %s\n", sub.xboxUserId)
			return
		}
		eventArgs := TitlePresenceChangeEventArgs{
			XboxUserId: sub.xboxUserId,
			TitleId:    titlePresence.TitleId,
			TitleState: titlePresence.State,
		}
		if eventArgs.TitleId == 0 {
			eventArgs.TitleId = sub.titleId
		}
		for _, callback := range self.titlePresenceCallbacks.Get() {
			callback(eventArgs)
		}
	case rtaSubscriptionKindSocialRelationship:
		var relationship rtaSocialRelationshipPayload
		if err := json.Unmarshal(payload, &relationship); err != nil {
			glog.Errorf("rta: malformed social relationship payload\n")
			return
		}
		xuids := make([]XboxUserId, 0, len(relationship.Xuids))
		for _, xuidStr := range relationship.Xuids {
			xuid, err := ParseXboxUserId(xuidStr)
			if err != nil {
				glog.Errorf("rta: invalid xuid %q in social relationship event\n", xuidStr)
				continue
			}
			xuids = append(xuids, xuid)
		}
		eventArgs := SocialRelationshipChangeEventArgs{
			SocialNotification: relationship.Notification,
			XboxUserIds:        xuids,
		}
		for _, callback := range self.socialRelationshipCallbacks.Get() {
			callback(eventArgs)
		}
	}
}

func (self *RtaClient) connectionStateChanged(state ConnectionState) {
	for _, callback := range self.connectionStateChangeCallbacks.Get() {
		callback(state)
	}
}
