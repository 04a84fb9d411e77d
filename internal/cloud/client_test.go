package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAPI struct {
	mu       sync.Mutex
	handlers map[string]func(body map[string]any, r *http.Request) (int, any)
	calls    []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	h := f.handlers[strings.TrimPrefix(r.URL.Path, "/")]
	f.mu.Unlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	code, data := h(body, r)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": "", "data": data})
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasSuffix(c, path) {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, api *fakeAPI) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := New(Config{Username: "user@example.com", Password: "secret", OpenUDID: "abcdef0123456789", BaseURL: srv.URL}, testLogger())
	c.http.SetRetryCount(0)
	return c, srv
}

func TestAuthenticateValidToken(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api)
	c.SetToken("tok", time.Now().Add(time.Hour))

	res, err := c.Authenticate(context.Background())
	if res != AuthOK || err != nil {
		t.Fatalf("Authenticate = %v, %v", res, err)
	}
	if api.count("passport/login") != 0 {
		t.Error("valid token must not log in")
	}
}

func TestAuthenticateExpiredTokenRenews(t *testing.T) {
	api := &fakeAPI{handlers: map[string]func(map[string]any, *http.Request) (int, any){
		"passport/login": func(map[string]any, *http.Request) (int, any) {
			return 0, map[string]any{"auth_token": "fresh", "token_expires_at": time.Now().Add(time.Hour).Unix()}
		},
	}}
	c, _ := newTestClient(t, api)
	c.SetToken("old", time.Now().Add(-time.Minute))

	res, err := c.Authenticate(context.Background())
	if res != AuthRenew || !errors.Is(err, ErrAuthRenewRequired) {
		t.Fatalf("Authenticate = %v, %v", res, err)
	}
	if tok, _ := c.Token(); tok != "" {
		t.Errorf("expired token kept: %q", tok)
	}

	res, err = c.Authenticate(context.Background())
	if res != AuthOK || err != nil {
		t.Fatalf("second Authenticate = %v, %v", res, err)
	}
	if tok, _ := c.Token(); tok != "fresh" {
		t.Errorf("token = %q", tok)
	}
}

func TestLoginSwitchesDomain(t *testing.T) {
	logins := 0
	api := &fakeAPI{handlers: map[string]func(map[string]any, *http.Request) (int, any){
		"passport/login": func(map[string]any, *http.Request) (int, any) {
			logins++
			return 0, map[string]any{"auth_token": "t1", "token_expires_at": time.Now().Add(time.Hour).Unix(), "domain": "security-app-eu.example.com"}
		},
	}}
	c, _ := newTestClient(t, api)

	// Without following, the regional base is recorded and the token kept.
	res, err := c.login(context.Background(), "", false)
	if res != AuthOK || err != nil {
		t.Fatalf("login = %v, %v", res, err)
	}
	if got := c.APIBase(); got != "https://security-app-eu.example.com/v1" {
		t.Errorf("APIBase = %q", got)
	}
	if tok, _ := c.Token(); tok != "t1" {
		t.Errorf("token = %q", tok)
	}
	if logins != 1 {
		t.Errorf("logins = %d", logins)
	}
}

func TestLoginNeedsVerifyCode(t *testing.T) {
	api := &fakeAPI{handlers: map[string]func(map[string]any, *http.Request) (int, any){
		"passport/login": func(map[string]any, *http.Request) (int, any) {
			return 26052, map[string]any{"auth_token": "pre", "token_expires_at": time.Now().Add(time.Hour).Unix()}
		},
		"sms/send/verify_code": func(_ map[string]any, r *http.Request) (int, any) {
			if r.Header.Get("x-auth-token") != "pre" {
				return 401, nil
			}
			return 0, nil
		},
	}}
	c, _ := newTestClient(t, api)

	res, err := c.Authenticate(context.Background())
	if res != AuthSendVerifyCode || !errors.Is(err, ErrVerifyCodeRequired) {
		t.Fatalf("login = %v, %v", res, err)
	}
}

func TestLoginRejected(t *testing.T) {
	api := &fakeAPI{handlers: map[string]func(map[string]any, *http.Request) (int, any){
		"passport/login": func(body map[string]any, _ *http.Request) (int, any) {
			if body["email"] != "user@example.com" || body["password"] != "secret" {
				return 1, nil
			}
			return 26006, nil
		},
	}}
	c, _ := newTestClient(t, api)
	res, err := c.Authenticate(context.Background())
	if res != AuthError || !errors.Is(err, ErrAuth) {
		t.Fatalf("Authenticate = %v, %v", res, err)
	}
}

func TestNetworkError(t *testing.T) {
	api := &fakeAPI{}
	c, srv := newTestClient(t, api)
	srv.Close()
	_, err := c.Authenticate(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL}, testLogger())
	c.http.SetRetryCount(0)
	c.SetToken("tok", time.Now().Add(time.Hour))
	if _, err := c.Hubs(context.Background()); !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v", err)
	}
}

func TestHubsAndDevices(t *testing.T) {
	var gotToken string
	api := &fakeAPI{handlers: map[string]func(map[string]any, *http.Request) (int, any){
		"app/get_hub_list": func(body map[string]any, r *http.Request) (int, any) {
			gotToken = r.Header.Get("x-auth-token")
			if body["num"] != float64(1000) {
				return 1, nil
			}
			return 0, []map[string]any{{
				"station_sn": "T8010P1", "station_name": "Home", "device_type": 0,
				"params": []map[string]any{{"param_type": 1224, "param_value": "1", "update_time": 1600000000}},
			}}
		},
		"app/get_devs_list": func(map[string]any, *http.Request) (int, any) {
			return 0, []map[string]any{{"device_sn": "T8113", "device_name": "Garden", "device_type": 8, "station_sn": "T8010P1", "device_channel": 2}}
		},
	}}
	c, _ := newTestClient(t, api)
	c.SetToken("tok", time.Now().Add(time.Hour))

	hubs, err := c.Hubs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotToken != "tok" {
		t.Errorf("x-auth-token = %q", gotToken)
	}
	st := hubs[0].Station()
	if st.Serial != "T8010P1" || st.Properties["1224"].Value != "1" || st.Properties["1224"].Timestamp.Unix() != 1600000000 {
		t.Errorf("station = %+v", st)
	}

	devices, err := c.Devices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	dev := devices[0].Device()
	if dev.Serial != "T8113" || dev.StationSerial != "T8010P1" || dev.Channel != 2 || dev.Type != 8 {
		t.Errorf("device = %+v", dev)
	}
}

func TestExpiredTokenOnCall(t *testing.T) {
	api := &fakeAPI{handlers: map[string]func(map[string]any, *http.Request) (int, any){
		"app/get_hub_list": func(map[string]any, *http.Request) (int, any) { return 401, nil },
	}}
	c, _ := newTestClient(t, api)
	c.SetToken("tok", time.Now().Add(time.Hour))
	if _, err := c.Hubs(context.Background()); !errors.Is(err, ErrAuthRenewRequired) {
		t.Fatalf("err = %v", err)
	}
	if tok, _ := c.Token(); tok != "" {
		t.Error("token not cleared")
	}
}

func TestCallWithoutToken(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api)
	if _, err := c.Devices(context.Background()); !errors.Is(err, ErrAuthRenewRequired) {
		t.Fatalf("err = %v", err)
	}
	if len(api.calls) != 0 {
		t.Errorf("calls = %v", api.calls)
	}
}

func TestIsTrusted(t *testing.T) {
	api := &fakeAPI{handlers: map[string]func(map[string]any, *http.Request) (int, any){
		"app/trust_device/list": func(map[string]any, *http.Request) (int, any) {
			return 0, map[string]any{"list": []map[string]any{{"open_udid": "x", "is_current_device": 0}, {"open_udid": "abcdef0123456789", "is_current_device": 1}}}
		},
	}}
	c, _ := newTestClient(t, api)
	c.SetToken("tok", time.Now().Add(time.Hour))
	ok, err := c.IsTrusted(context.Background())
	if err != nil || !ok {
		t.Fatalf("IsTrusted = %v, %v", ok, err)
	}
}
