package social

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

type PresenceDetailLevel string

const (
	PresenceDetailLevelUser   PresenceDetailLevel = "user"
	PresenceDetailLevelDevice PresenceDetailLevel = "device"
	PresenceDetailLevelTitle  PresenceDetailLevel = "title"
	PresenceDetailLevelAll    PresenceDetailLevel = "all"
)

// PresenceService pairs the RTA device/title subscriptions with the batch
// presence read used by the refresh timers.
type PresenceService interface {
	SubscribeToDevicePresenceChange(xuid XboxUserId) (*RtaSubscription, error)
	SubscribeToTitlePresenceChange(xuid XboxUserId, titleId uint32) (*RtaSubscription, error)
	UnsubscribeFromDevicePresenceChange(sub *RtaSubscription) error
	UnsubscribeFromTitlePresenceChange(sub *RtaSubscription) error
	GetPresenceForMultipleUsers(
		ctx context.Context,
		xuids []string,
		deviceTypes []DeviceType,
		titleIds []uint32,
		detailLevel PresenceDetailLevel,
	) ([]PresenceRecord, error)
	AddDevicePresenceChangedCallback(callback DevicePresenceChangeFunction) func()
	AddTitlePresenceChangedCallback(callback TitlePresenceChangeFunction) func()
}

// SocialService owns the relationship-change channel subscription.
type SocialService interface {
	SubscribeToSocialRelationshipChange(xuid XboxUserId) (*RtaSubscription, error)
	UnsubscribeFromSocialRelationshipChange(sub *RtaSubscription) error
	AddSocialRelationshipChangedCallback(callback SocialRelationshipChangeFunction) func()
}

type PresenceClient struct {
	api *XblApi
	rta *RtaClient
}

func NewPresenceClient(api *XblApi, rta *RtaClient) *PresenceClient {
	return &PresenceClient{
		api: api,
		rta: rta,
	}
}

func (self *PresenceClient) SubscribeToDevicePresenceChange(xuid XboxUserId) (*RtaSubscription, error) {
	return self.rta.subscribe(&RtaSubscription{
		ResourceUri: fmt.Sprintf("https://userpresence.xboxlive.com/users/xuid(%s)/devices", xuid),
		kind:        rtaSubscriptionKindDevicePresence,
		xboxUserId:  xuid,
	})
}

func (self *PresenceClient) SubscribeToTitlePresenceChange(xuid XboxUserId, titleId uint32) (*RtaSubscription, error) {
	return self.rta.subscribe(&RtaSubscription{
		ResourceUri: fmt.Sprintf("https://userpresence.xboxlive.com/users/xuid(%s)/titles/%d", xuid, titleId),
		kind:        rtaSubscriptionKindTitlePresence,
		xboxUserId:  xuid,
		titleId:     titleId,
	})
}

func (self *PresenceClient) UnsubscribeFromDevicePresenceChange(sub *RtaSubscription) error {
	return self.rta.unsubscribe(sub)
}

func (self *PresenceClient) UnsubscribeFromTitlePresenceChange(sub *RtaSubscription) error {
	return self.rta.unsubscribe(sub)
}

func (self *PresenceClient) AddDevicePresenceChangedCallback(callback DevicePresenceChangeFunction) func() {
	return self.rta.addDevicePresenceChangedCallback(callback)
}

func (self *PresenceClient) AddTitlePresenceChangedCallback(callback TitlePresenceChangeFunction) func() {
	return self.rta.addTitlePresenceChangedCallback(callback)
}

type presenceBatchRequest struct {
	Users       []string `json:"users"`
	DeviceTypes []string `json:"deviceTypes,omitempty"`
	Titles      []uint32 `json:"titles,omitempty"`
	Level       string   `json:"level"`
}

type presenceBatchEntry struct {
	Xuid    string                `json:"xuid"`
	State   string                `json:"state"`
	Devices []presenceBatchDevice `json:"devices"`
}

type presenceBatchDevice struct {
	Type   string               `json:"type"`
	Titles []presenceBatchTitle `json:"titles"`
}

type presenceBatchTitle struct {
	Id           string                 `json:"id"`
	Name         string                 `json:"name"`
	State        string                 `json:"state"`
	LastModified string                 `json:"lastModified"`
	Activity     *presenceBatchActivity `json:"activity"`
}

type presenceBatchActivity struct {
	RichPresence string `json:"richPresence"`
}

func (self *PresenceClient) GetPresenceForMultipleUsers(
	ctx context.Context,
	xuids []string,
	deviceTypes []DeviceType,
	titleIds []uint32,
	detailLevel PresenceDetailLevel,
) ([]PresenceRecord, error) {
	requestBody := presenceBatchRequest{
		Users: xuids,
		Level: string(detailLevel),
	}
	for _, deviceType := range deviceTypes {
		requestBody.DeviceTypes = append(requestBody.DeviceTypes, string(deviceType))
	}
	requestBody.Titles = titleIds

	var response []presenceBatchEntry
	if err := self.api.postJson(ctx, "/users/batch", presenceContractVersion, requestBody, &response); err != nil {
		return nil, err
	}

	records := make([]PresenceRecord, 0, len(response))
	for _, entry := range response {
		xuid, err := ParseXboxUserId(entry.Xuid)
		if err != nil {
			glog.Errorf("presence: dropping record with bad xuid %q\n", entry.Xuid)
			continue
		}
		record := PresenceRecord{
			XboxUserId: xuid,
			UserState:  UserPresenceState(entry.State),
		}
		for _, device := range entry.Devices {
			record.DeviceRecords = append(record.DeviceRecords, DeviceRecord{
				DeviceType: DeviceType(device.Type),
				IsLoggedOn: true,
			})
			for _, title := range device.Titles {
				titleId, err := parseTitleId(title.Id)
				if err != nil {
					continue
				}
				titleRecord := TitleRecord{
					TitleId:         titleId,
					TitleName:       title.Name,
					IsTitleActive:   title.State == "Active",
					LastModifiedUtc: title.LastModified,
					DeviceType:      DeviceType(device.Type),
				}
				if title.Activity != nil {
					titleRecord.PresenceText = title.Activity.RichPresence
				}
				record.TitleRecords = append(record.TitleRecords, titleRecord)
			}
		}
		records = append(records, record)
	}
	return records, nil
}

type SocialClient struct {
	rta *RtaClient
}

func NewSocialClient(rta *RtaClient) *SocialClient {
	return &SocialClient{
		rta: rta,
	}
}

func (self *SocialClient) SubscribeToSocialRelationshipChange(xuid XboxUserId) (*RtaSubscription, error) {
	return self.rta.subscribe(&RtaSubscription{
		ResourceUri: fmt.Sprintf("http://social.xboxlive.com/users/xuid(%s)/friends", xuid),
		kind:        rtaSubscriptionKindSocialRelationship,
		xboxUserId:  xuid,
	})
}

func (self *SocialClient) UnsubscribeFromSocialRelationshipChange(sub *RtaSubscription) error {
	return self.rta.unsubscribe(sub)
}

func (self *SocialClient) AddSocialRelationshipChangedCallback(callback SocialRelationshipChangeFunction) func() {
	return self.rta.addSocialRelationshipChangedCallback(callback)
}
