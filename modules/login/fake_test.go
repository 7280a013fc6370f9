package login_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guarzo/lineapi/common"
	"github.com/guarzo/lineapi/common/model"
	"github.com/guarzo/lineapi/common/tokenstore"
	"github.com/guarzo/lineapi/modules/login"
)

const testChannelID = "1234567890"

// fakeLine is an in-process stand-in for the platform's API host.
type fakeLine struct {
	server *httptest.Server

	mu sync.Mutex
	// access tokens accepted by the bearer endpoints
	valid map[string]bool
	// refresh token -> token issued for it
	refreshable map[string]model.AccessToken
	// status codes returned before the real response, per path
	failures map[string][]int
	// override status for revoke
	revokeStatus int
	calls        map[string]int
	forms        map[string][]string
}

func newFakeLine(t *testing.T) *fakeLine {
	f := &fakeLine{
		valid:       map[string]bool{},
		refreshable: map[string]model.AccessToken{},
		failures:    map[string][]int{},
		calls:       map[string]int{},
		forms:       map[string][]string{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeLine) URL() string {
	return f.server.URL + "/"
}

func (f *fakeLine) accept(accessToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid[accessToken] = true
}

func (f *fakeLine) issueOnRefresh(refreshToken string, token model.AccessToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshable[refreshToken] = token
}

func (f *fakeLine) failNext(path string, statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = append(f.failures[path], statuses...)
}

func (f *fakeLine) setRevokeStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeStatus = status
}

func (f *fakeLine) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeLine) lastForm(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[path]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeLine) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		f.forms[r.URL.Path] = []string{r.PostForm.Encode()}
	}
	if pending := f.failures[r.URL.Path]; len(pending) > 0 {
		status := pending[0]
		f.failures[r.URL.Path] = pending[1:]
		f.mu.Unlock()
		writeJSON(w, status, map[string]string{"message": "temporary failure"})
		return
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	authorized := f.valid[bearer]
	revokeStatus := f.revokeStatus
	f.mu.Unlock()

	switch r.URL.Path {
	case "/oauth2/v2.1/token":
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("client_id") != testChannelID {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		f.mu.Lock()
		token, ok := f.refreshable[r.PostForm.Get("refresh_token")]
		if ok {
			f.valid[token.Value] = true
		}
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "invalid refresh token"})
			return
		}
		writeJSON(w, http.StatusOK, token)
	case "/oauth2/v2.1/revoke":
		if revokeStatus != 0 {
			writeJSON(w, revokeStatus, map[string]string{"error": "invalid_request", "error_description": "access token invalid"})
			return
		}
		w.WriteHeader(http.StatusOK)
	case "/oauth2/v2.1/verify":
		f.mu.Lock()
		ok := f.valid[r.URL.Query().Get("access_token")]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "access token expired"})
			return
		}
		writeJSON(w, http.StatusOK, model.AccessTokenVerifyResult{ChannelID: testChannelID, Scope: "profile openid", ExpiresIn: 2591659})
	case "/v2/profile":
		if !authorized {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}
		writeJSON(w, http.StatusOK, model.UserProfile{UserID: "U4af4980629", DisplayName: "Brown", PictureURL: "https://profile.line-scdn.net/abcdefghijklmn", StatusMessage: "Hello, LINE!"})
	case "/friendship/v1/status":
		if !authorized {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}
		writeJSON(w, http.StatusOK, model.FriendshipStatus{FriendFlag: true})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not found"})
	}
}

type harness struct {
	fake    *fakeLine
	store   *tokenstore.MemoryStore
	session *login.Session
	service login.LoginService
}

func newHarness(t *testing.T, opts ...login.SessionOption) *harness {
	fake := newFakeLine(t)
	store := tokenstore.NewMemoryStore()
	hc := common.NewLineHttpClient("lineapi-test", &http.Client{})
	hc.SetRandAndSleepForTest(func(time.Duration) {}, 1)
	t.Cleanup(hc.CloseIdleConnections)

	session := login.NewSession(fake.URL(), testChannelID, hc, store, opts...)
	return &harness{
		fake:    fake,
		store:   store,
		session: session,
		service: login.NewLoginService(session, store, testChannelID),
	}
}

func storedToken(value, refresh string) *model.AccessToken {
	return &model.AccessToken{
		Value:        value,
		TokenType:    "Bearer",
		RefreshToken: refresh,
		ExpiresIn:    2592000,
		Scope:        "profile openid",
		CreatedAt:    time.Now(),
	}
}
