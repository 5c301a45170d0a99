package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"vestnet/internal/domain"
)

// TelegramUser is the user object embedded in Mini App init data.
type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// VerifyTelegramInitData checks the hash Telegram attaches to Mini App
// init data and returns the signed-in user. Data older than maxAge is
// refused; maxAge <= 0 disables the age check.
func VerifyTelegramInitData(initData, botToken string, maxAge time.Duration, now time.Time) (TelegramUser, error) {
	vals, err := url.ParseQuery(strings.TrimSpace(initData))
	if err != nil {
		return TelegramUser{}, fmt.Errorf("%w: malformed init data", domain.ErrForbidden)
	}
	provided := vals.Get("hash")
	if provided == "" || botToken == "" {
		return TelegramUser{}, fmt.Errorf("%w: unsigned init data", domain.ErrForbidden)
	}
	vals.Del("hash")

	if !hmac.Equal([]byte(telegramHash(vals, botToken)), []byte(provided)) {
		return TelegramUser{}, fmt.Errorf("%w: init data hash mismatch", domain.ErrForbidden)
	}

	if maxAge > 0 {
		ts, err := strconv.ParseInt(vals.Get("auth_date"), 10, 64)
		if err != nil {
			return TelegramUser{}, fmt.Errorf("%w: missing auth_date", domain.ErrForbidden)
		}
		if now.Sub(time.Unix(ts, 0)) > maxAge {
			return TelegramUser{}, fmt.Errorf("%w: init data expired", domain.ErrForbidden)
		}
	}

	var u TelegramUser
	if err := json.Unmarshal([]byte(vals.Get("user")), &u); err != nil || u.ID <= 0 {
		return TelegramUser{}, fmt.Errorf("%w: no user in init data", domain.ErrForbidden)
	}
	return u, nil
}

// telegramHash is hex(HMAC(HMAC("WebAppData", token), data_check_string))
// where data_check_string is key=value lines sorted by key.
func telegramHash(vals url.Values, botToken string) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+vals.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
