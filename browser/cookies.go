package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// storageState is the persisted form of a context's cookies.
type storageState struct {
	Version int      `json:"version"`
	SavedAt int64    `json:"saved_at"`
	Cookies []Cookie `json:"cookies"`
}

// siteDomain is the registrable domain whose cookies are persisted.
const siteDomain = "linkedin.com"

// siteCookies keeps cookies whose registrable domain is linkedin.com and
// that have not expired at now.
func siteCookies(cs []Cookie, now time.Time) []Cookie {
	out := make([]Cookie, 0, len(cs))
	for _, c := range cs {
		host := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil || etld1 != siteDomain {
			continue
		}
		if c.Expires > 0 && int64(c.Expires) <= now.Unix() {
			continue
		}
		out = append(out, c)
	}
	return out
}

func encodeState(cs []Cookie, now time.Time) ([]byte, error) {
	return json.Marshal(storageState{Version: 1, SavedAt: now.UnixMilli(), Cookies: cs})
}

func decodeState(raw []byte) ([]Cookie, error) {
	var st storageState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("browser: decode storage state: %w", err)
	}
	if st.Version != 1 {
		return nil, fmt.Errorf("browser: storage state version %d", st.Version)
	}
	return st.Cookies, nil
}
