package social

import (
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"
)

// XboxUserId (xuid) is the sole key across all graph tables.
type XboxUserId uint64

func ParseXboxUserId(xuidStr string) (XboxUserId, error) {
	xuid, err := strconv.ParseUint(xuidStr, 10, 64)
	if err != nil || xuid == 0 {
		return 0, newSocialError(ErrorKindInvalidArgument, fmt.Sprintf("invalid xbox user id %q", xuidStr), err)
	}
	return XboxUserId(xuid), nil
}

func (self XboxUserId) String() string {
	return strconv.FormatUint(uint64(self), 10)
}

type DetailLevel int

const (
	DetailLevelNoExtraDetail DetailLevel = iota
	DetailLevelPreferredColor
	DetailLevelTitleHistory
	DetailLevelAll
)

type UserPresenceState string

const (
	UserPresenceStateUnknown UserPresenceState = ""
	UserPresenceStateOnline  UserPresenceState = "Online"
	UserPresenceStateAway    UserPresenceState = "Away"
	UserPresenceStateOffline UserPresenceState = "Offline"
)

type DeviceType string

const (
	DeviceTypeUnknown  DeviceType = ""
	DeviceTypePc       DeviceType = "PC"
	DeviceTypeXboxOne  DeviceType = "XboxOne"
	DeviceTypeScarlett DeviceType = "Scarlett"
	DeviceTypeIOS      DeviceType = "iOS"
	DeviceTypeAndroid  DeviceType = "Android"
)

type TitlePresenceState string

const (
	TitlePresenceStateStarted TitlePresenceState = "Started"
	TitlePresenceStateEnded   TitlePresenceState = "Ended"
)

type SocialNotification string

const (
	SocialNotificationAdded   SocialNotification = "Added"
	SocialNotificationChanged SocialNotification = "Changed"
	SocialNotificationRemoved SocialNotification = "Removed"
)

type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "Connecting"
	ConnectionStateConnected    ConnectionState = "Connected"
	ConnectionStateDisconnected ConnectionState = "Disconnected"
)

type TitleRecord struct {
	TitleId         uint32
	TitleName       string
	IsTitleActive   bool
	PresenceText    string
	LastModifiedUtc string
	DeviceType      DeviceType
}

type DeviceRecord struct {
	DeviceType DeviceType
	IsLoggedOn bool
}

// PresenceRecord aggregates a user's overall state with the per-title and
// per-device records behind it. Filled by graph fetches and updated by
// presence, device and title events.
type PresenceRecord struct {
	XboxUserId    XboxUserId
	UserState     UserPresenceState
	DeviceRecords []DeviceRecord
	TitleRecords  []TitleRecord
}

func (self *PresenceRecord) IsUserPlayingTitle(titleId uint32) bool {
	for i := range self.TitleRecords {
		if self.TitleRecords[i].TitleId == titleId && self.TitleRecords[i].IsTitleActive {
			return true
		}
	}
	return false
}

func (self *PresenceRecord) removeTitle(titleId uint32) {
	self.TitleRecords = slices.DeleteFunc(slices.Clone(self.TitleRecords), func(record TitleRecord) bool {
		return record.TitleId == titleId
	})
}

func (self *PresenceRecord) updateDevice(deviceType DeviceType, isLoggedOn bool) {
	for i := range self.DeviceRecords {
		if self.DeviceRecords[i].DeviceType == deviceType {
			records := slices.Clone(self.DeviceRecords)
			records[i].IsLoggedOn = isLoggedOn
			self.DeviceRecords = records
			return
		}
	}
	self.DeviceRecords = append(slices.Clone(self.DeviceRecords), DeviceRecord{
		DeviceType: deviceType,
		IsLoggedOn: isLoggedOn,
	})
}

// equals ignores XboxUserId so that a record fetched standalone compares
// equal to the copy embedded in a SocialUser. Order of the per-title list is
// part of the server response and preserved.
func (self *PresenceRecord) equals(other *PresenceRecord) bool {
	if self.UserState != other.UserState {
		return false
	}
	if !slices.Equal(self.DeviceRecords, other.DeviceRecords) {
		return false
	}
	return slices.Equal(self.TitleRecords, other.TitleRecords)
}

type PreferredColor struct {
	PrimaryColor   string
	SecondaryColor string
	TertiaryColor  string
}

// SocialUser is the per-user aggregate stored in the buffers. Profile and
// relationship fields are written by graph fetches and relationship events,
// presence fields by presence/device/title events.
type SocialUser struct {
	XboxUserId         XboxUserId
	DisplayName        string
	Gamertag           string
	RealName           string
	DisplayPicUrl      string
	UseAvatar          bool
	IsFollowedByCaller bool
	IsFollowingUser    bool
	IsFavorite         bool
	PreferredColor     PreferredColor
	TitleHistory       []TitleRecord
	PresenceRecord     PresenceRecord
}

type changeList int

const (
	noChange                 changeList = 0
	profileChange            changeList = 1 << 0
	socialRelationshipChange changeList = 1 << 1
	presenceChange           changeList = 1 << 2
)

// compareSocialUsers reports which event classes a refresh diff must emit
// for a previous/current pair of the same user.
func compareSocialUsers(previous *SocialUser, current *SocialUser) changeList {
	change := noChange
	if previous.DisplayName != current.DisplayName ||
		previous.Gamertag != current.Gamertag ||
		previous.RealName != current.RealName ||
		previous.DisplayPicUrl != current.DisplayPicUrl ||
		previous.UseAvatar != current.UseAvatar ||
		previous.PreferredColor != current.PreferredColor {
		change |= profileChange
	}
	if previous.IsFollowedByCaller != current.IsFollowedByCaller ||
		previous.IsFollowingUser != current.IsFollowingUser ||
		previous.IsFavorite != current.IsFavorite {
		change |= socialRelationshipChange
	}
	if !previous.PresenceRecord.equals(&current.PresenceRecord) {
		change |= presenceChange
	}
	return change
}
