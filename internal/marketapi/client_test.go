package marketapi

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/idlemarket/fishbot/internal/creds"
	"github.com/idlemarket/fishbot/internal/wire"
)

func validCookies() map[string]string {
	return map[string]string{
		"_m_h5_tk":     "token123_1756000000000",
		"_m_h5_tk_enc": "enc456",
		"unb":          "9912",
	}
}

func TestAccessToken(t *testing.T) {
	fixedNow := time.UnixMilli(1756000000000)
	var gotSign, gotT, gotData string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "mtop.taobao.idlemessage.pc.login.token") {
			t.Errorf("path = %s", r.URL.Path)
		}
		query := r.URL.Query()
		gotSign = query.Get("sign")
		gotT = query.Get("t")
		if query.Get("appKey") != wire.SignAppKey {
			t.Errorf("appKey = %s", query.Get("appKey"))
		}
		if !strings.Contains(r.Header.Get("Cookie"), "unb=9912") {
			t.Errorf("cookie header = %q", r.Header.Get("Cookie"))
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotData = r.PostForm.Get("data")
		w.Write([]byte(`{"ret":["SUCCESS::调用成功"],"data":{"accessToken":"at-789"}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		BaseURL: server.URL,
		Clock:   func() time.Time { return fixedNow },
	})
	token, err := client.AccessToken(context.Background(), validCookies(), "dev-1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "at-789" {
		t.Fatalf("token = %q", token)
	}
	if !strings.Contains(gotData, `"deviceId":"dev-1"`) {
		t.Fatalf("form data = %q", gotData)
	}

	// sign = md5(token&t&appKey&data)
	sum := md5.Sum([]byte("token123&" + gotT + "&" + wire.SignAppKey + "&" + gotData))
	if want := hex.EncodeToString(sum[:]); gotSign != want {
		t.Fatalf("sign = %q, want %q", gotSign, want)
	}
}

func TestAccessTokenMissingCookies(t *testing.T) {
	client := NewClient(ClientOptions{BaseURL: "http://unused.test"})
	for _, missing := range []string{"_m_h5_tk", "_m_h5_tk_enc", "unb"} {
		cookies := validCookies()
		delete(cookies, missing)
		_, err := client.AccessToken(context.Background(), cookies, "dev-1")
		if !errors.Is(err, ErrCredentialExpired) {
			t.Fatalf("missing %s: err = %v, want ErrCredentialExpired", missing, err)
		}
		if !errors.Is(err, creds.ErrExpired) {
			t.Fatalf("missing %s: err does not wrap creds.ErrExpired", missing)
		}
	}
}

func TestAccessTokenExpiryClassification(t *testing.T) {
	cases := []struct {
		ret     string
		expired bool
	}{
		{"FAIL_SYS_TOKEN_EXPIRED::令牌过期", true},
		{"FAIL_SYS_SESSION_EXPIRED::SESSION_EXPIRED", true},
		{"SID_INVALID::无效的sid", true},
		{"ILLEGAL_ACCESS::非法访问", true},
		{"FAIL_SYS_SERVICE_NOT_EXIST::服务不存在", false},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ret":["` + tc.ret + `"],"data":{}}`))
		}))
		client := NewClient(ClientOptions{BaseURL: server.URL})
		_, err := client.AccessToken(context.Background(), validCookies(), "dev-1")
		server.Close()
		if err == nil {
			t.Fatalf("ret %q: expected error", tc.ret)
		}
		if got := errors.Is(err, ErrCredentialExpired); got != tc.expired {
			t.Fatalf("ret %q: expired = %v, want %v (err %v)", tc.ret, got, tc.expired, err)
		}
	}
}

func TestAccessTokenSuccessWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ret":["SUCCESS::调用成功"],"data":{}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	_, err := client.AccessToken(context.Background(), validCookies(), "dev-1")
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("err = %v, want ErrCredentialExpired", err)
	}
}

func TestAccessTokenRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ret":["SUCCESS::调用成功"],"data":{"accessToken":"at-1"}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		BaseURL:    server.URL,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	token, err := client.AccessToken(context.Background(), validCookies(), "dev-1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "at-1" || calls.Load() != 2 {
		t.Fatalf("token = %q calls = %d", token, calls.Load())
	}
}

func TestItemInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "mtop.taobao.idle.pc.detail") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"ret":["SUCCESS::调用成功"],"data":{"itemDO":{"title":"九成新键盘","desc":"键帽无磨损","soldPrice":"120.00"}}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	item, err := client.ItemInfo(context.Background(), validCookies(), "item-7")
	if err != nil {
		t.Fatalf("ItemInfo: %v", err)
	}
	if item.Title != "九成新键盘" || item.Description != "键帽无磨损" || item.PriceText != "120.00" {
		t.Fatalf("item = %+v", item)
	}
	if item.ID != "item-7" {
		t.Fatalf("id = %q", item.ID)
	}
}

func TestItemInfoRequiresID(t *testing.T) {
	client := NewClient(ClientOptions{BaseURL: "http://unused.test"})
	if _, err := client.ItemInfo(context.Background(), validCookies(), "  "); err == nil {
		t.Fatal("expected error for empty item id")
	}
}
