package social

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const peopleHubContractVersion = "5"
const presenceContractVersion = "3"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// XblApi is the shared HTTP core for the REST collaborators. All service
// clients go through it for auth and codec handling.
type XblApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	token  *XblToken

	rawToken string

	httpClient *http.Client
}

func NewXblApi(apiUrl string, rawToken string) (*XblApi, error) {
	return NewXblApiWithContext(context.Background(), apiUrl, rawToken)
}

func NewXblApiWithContext(ctx context.Context, apiUrl string, rawToken string) (*XblApi, error) {
	token, err := ParseXblTokenUnverified(rawToken)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	return &XblApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		token:      token,
		rawToken:   rawToken,
		httpClient: defaultClient(),
	}, nil
}

func (self *XblApi) Token() *XblToken {
	return self.token
}

func (self *XblApi) Close() {
	self.cancel()
}

func (self *XblApi) authorization() string {
	return fmt.Sprintf("XBL3.0 x=%s;%s", self.token.UserHash, self.rawToken)
}

func (self *XblApi) getJson(
	ctx context.Context,
	path string,
	contractVersion string,
	result any,
) error {
	return self.doJson(ctx, http.MethodGet, path, contractVersion, nil, result)
}

func (self *XblApi) postJson(
	ctx context.Context,
	path string,
	contractVersion string,
	requestBody any,
	result any,
) error {
	return self.doJson(ctx, http.MethodPost, path, contractVersion, requestBody, result)
}

func (self *XblApi) doJson(
	ctx context.Context,
	method string,
	path string,
	contractVersion string,
	requestBody any,
	result any,
) error {
	var bodyReader io.Reader
	if requestBody != nil {
		bodyBytes, err := json.Marshal(requestBody)
		if err != nil {
			return newSocialError(ErrorKindUnknown, "cannot encode request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	url := self.apiUrl + path
	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return newSocialError(ErrorKindUnknown, "cannot create request", err)
	}
	request.Header.Set("Authorization", self.authorization())
	request.Header.Set("x-xbl-contract-version", contractVersion)
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := self.httpClient.Do(request)
	if err != nil {
		return newSocialError(ErrorKindHttpOther, fmt.Sprintf("%s %s", method, path), err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusFailedDependency {
		return newSocialError(ErrorKindHttpDependencyFailed, fmt.Sprintf("%s %s: %s", method, path, response.Status), nil)
	}
	if http.StatusBadRequest <= response.StatusCode {
		return newSocialError(ErrorKindHttpOther, fmt.Sprintf("%s %s: %s", method, path, response.Status), nil)
	}

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return newSocialError(ErrorKindHttpOther, "cannot read response", err)
	}

	if result != nil {
		if err := json.Unmarshal(responseBody, result); err != nil {
			return newSocialError(ErrorKindHttpOther, "cannot decode response", err)
		}
	}
	return nil
}

// PeopleHubService returns a user's followed list with profile, relationship
// and presence fields. A nil xuids requests the full followed list.
type PeopleHubService interface {
	GetSocialGraph(ctx context.Context, detailLevel DetailLevel, xuids []string) ([]SocialUser, error)
}

type PeopleHubClient struct {
	api *XblApi
}

func NewPeopleHubClient(api *XblApi) *PeopleHubClient {
	return &PeopleHubClient{
		api: api,
	}
}

func decorationPath(detailLevel DetailLevel) string {
	decorations := []string{"presencedetail"}
	switch detailLevel {
	case DetailLevelPreferredColor:
		decorations = append(decorations, "preferredcolor")
	case DetailLevelTitleHistory:
		decorations = append(decorations, "titlehistory")
	case DetailLevelAll:
		decorations = append(decorations, "preferredcolor", "titlehistory")
	}
	return strings.Join(decorations, ",")
}

type peopleHubResponse struct {
	People []peopleHubPerson `json:"people"`
}

type peopleHubPerson struct {
	Xuid               string                   `json:"xuid"`
	DisplayName        string                   `json:"displayName"`
	Gamertag           string                   `json:"gamertag"`
	RealName           string                   `json:"realName"`
	DisplayPicRaw      string                   `json:"displayPicRaw"`
	UseAvatar          bool                     `json:"useAvatar"`
	IsFollowedByCaller bool                     `json:"isFollowedByCaller"`
	IsFollowingCaller  bool                     `json:"isFollowingCaller"`
	IsFavorite         bool                     `json:"isFavorite"`
	PreferredColor     *peopleHubColor          `json:"preferredColor"`
	PresenceState      string                   `json:"presenceState"`
	PresenceDetails    []peopleHubPresenceEntry `json:"presenceDetails"`
	TitleHistory       []peopleHubTitleEntry    `json:"titleHistory"`
}

type peopleHubColor struct {
	PrimaryColor   string `json:"primaryColor"`
	SecondaryColor string `json:"secondaryColor"`
	TertiaryColor  string `json:"tertiaryColor"`
}

type peopleHubPresenceEntry struct {
	TitleId         string `json:"titleId"`
	TitleName       string `json:"presenceTitleName"`
	IsPrimary       bool   `json:"isPrimary"`
	PresenceText    string `json:"presenceText"`
	Device          string `json:"device"`
	State           string `json:"state"`
	LastModifiedUtc string `json:"lastModified"`
}

type peopleHubTitleEntry struct {
	TitleId       string `json:"titleId"`
	TitleName     string `json:"titleName"`
	LastTimePlayed string `json:"lastTimePlayed"`
}

func (self *peopleHubPerson) toSocialUser() (SocialUser, error) {
	xuid, err := ParseXboxUserId(self.Xuid)
	if err != nil {
		return SocialUser{}, err
	}

	user := SocialUser{
		XboxUserId:         xuid,
		DisplayName:        self.DisplayName,
		Gamertag:           self.Gamertag,
		RealName:           self.RealName,
		DisplayPicUrl:      self.DisplayPicRaw,
		UseAvatar:          self.UseAvatar,
		IsFollowedByCaller: self.IsFollowedByCaller,
		IsFollowingUser:    self.IsFollowingCaller,
		IsFavorite:         self.IsFavorite,
		PresenceRecord: PresenceRecord{
			XboxUserId: xuid,
			UserState:  UserPresenceState(self.PresenceState),
		},
	}
	if self.PreferredColor != nil {
		user.PreferredColor = PreferredColor{
			PrimaryColor:   self.PreferredColor.PrimaryColor,
			SecondaryColor: self.PreferredColor.SecondaryColor,
			TertiaryColor:  self.PreferredColor.TertiaryColor,
		}
	}
	for _, entry := range self.PresenceDetails {
		titleId, err := parseTitleId(entry.TitleId)
		if err != nil {
			glog.Errorf("peoplehub: bad title id %q for xuid %s\n", entry.TitleId, self.Xuid)
			continue
		}
		user.PresenceRecord.TitleRecords = append(user.PresenceRecord.TitleRecords, TitleRecord{
			TitleId:         titleId,
			TitleName:       entry.TitleName,
			IsTitleActive:   entry.State == "Active",
			PresenceText:    entry.PresenceText,
			LastModifiedUtc: entry.LastModifiedUtc,
			DeviceType:      DeviceType(entry.Device),
		})
	}
	for _, entry := range self.TitleHistory {
		titleId, err := parseTitleId(entry.TitleId)
		if err != nil {
			continue
		}
		user.TitleHistory = append(user.TitleHistory, TitleRecord{
			TitleId:         titleId,
			TitleName:       entry.TitleName,
			LastModifiedUtc: entry.LastTimePlayed,
		})
	}
	return user, nil
}

func (self *PeopleHubClient) GetSocialGraph(
	ctx context.Context,
	detailLevel DetailLevel,
	xuids []string,
) ([]SocialUser, error) {
	var response peopleHubResponse
	if xuids == nil {
		path := fmt.Sprintf(
			"/users/xuid(%s)/people/social/decoration/%s",
			self.api.Token().XboxUserId,
			decorationPath(detailLevel),
		)
		if err := self.api.getJson(ctx, path, peopleHubContractVersion, &response); err != nil {
			return nil, err
		}
	} else {
		path := fmt.Sprintf(
			"/users/xuid(%s)/people/batch/decoration/%s",
			self.api.Token().XboxUserId,
			decorationPath(detailLevel),
		)
		requestBody := map[string][]string{
			"xuids": xuids,
		}
		if err := self.api.postJson(ctx, path, peopleHubContractVersion, requestBody, &response); err != nil {
			return nil, err
		}
	}

	users := make([]SocialUser, 0, len(response.People))
	for i := range response.People {
		user, err := response.People[i].toSocialUser()
		if err != nil {
			glog.Errorf("peoplehub: dropping person with bad xuid %q\n", response.People[i].Xuid)
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

func parseTitleId(titleIdStr string) (uint32, error) {
	var titleId uint32
	_, err := fmt.Sscanf(titleIdStr, "%d", &titleId)
	return titleId, err
}
