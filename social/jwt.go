package social

import (
	"strconv"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// XblToken is the caller identity carried by the service token. The token is
// minted and signed elsewhere; the engine only needs the claims.
type XblToken struct {
	XboxUserId XboxUserId
	Gamertag   string
	TitleId    uint32
	UserHash   string
}

func ParseXblTokenUnverified(token string) (*XblToken, error) {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, newSocialError(ErrorKindInvalidArgument, "cannot parse token", err)
	}

	claims := parsedToken.Claims.(gojwt.MapClaims)

	xblToken := &XblToken{}

	if xuidStr, ok := claims["xid"].(string); ok {
		if xuid, err := ParseXboxUserId(xuidStr); err == nil {
			xblToken.XboxUserId = xuid
		}
	}
	if gamertag, ok := claims["gtg"].(string); ok {
		xblToken.Gamertag = gamertag
	}
	if titleIdStr, ok := claims["tid"].(string); ok {
		if titleId, err := strconv.ParseUint(titleIdStr, 10, 32); err == nil {
			xblToken.TitleId = uint32(titleId)
		}
	}
	if userHash, ok := claims["uhs"].(string); ok {
		xblToken.UserHash = userHash
	}

	if xblToken.XboxUserId == 0 {
		return nil, newSocialError(ErrorKindInvalidArgument, "token has no xid claim", nil)
	}

	return xblToken, nil
}
