package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskhub-bot/internal/config"
	"taskhub-bot/internal/models"
	"taskhub-bot/internal/tasks"
	"taskhub-bot/internal/ws"
)

const testBotToken = "12345:TEST_TOKEN"

type testEnv struct {
	srv      *httptest.Server
	db       *gorm.DB
	registry *ws.Registry
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithLimit(t, 1000)
}

func newTestEnvWithLimit(t *testing.T, limit int) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Task{}, &models.UserTask{}, &models.Referral{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		BotToken:        testBotToken,
		AdminIDs:        []int64{900},
		RateLimitWindow: 60,
		RateLimitMax:    limit,
	}

	registry := ws.NewRegistry()
	svc := tasks.NewService(db, registry)
	limiter := NewLimiter(rdb, cfg.RateLimitWindow, cfg.RateLimitMax)
	wsh := ws.NewHandler(db, registry, cfg.BotToken)

	srv := httptest.NewServer(NewServer(cfg, db, limiter, svc, wsh).Routes())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, db: db, registry: registry, cfg: cfg}
}

func signInitData(t *testing.T, fields map[string]string) string {
	t.Helper()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	secretKey := sha256.Sum256([]byte(testBotToken))
	mac := hmac.New(sha256.New, secretKey[:])
	mac.Write([]byte(strings.Join(parts, "\n")))
	hash := hex.EncodeToString(mac.Sum(nil))

	query := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		query = append(query, url.QueryEscape(k)+"="+url.QueryEscape(fields[k]))
	}
	query = append(query, "hash="+hash)
	return strings.Join(query, "&")
}

func initDataFor(t *testing.T, id int64, username, startParam string) string {
	t.Helper()
	fields := map[string]string{
		"user":      fmt.Sprintf(`{"id":%d,"username":%q}`, id, username),
		"auth_date": "1700000000",
	}
	if startParam != "" {
		fields["start_param"] = startParam
	}
	return signInitData(t, fields)
}

func (e *testEnv) authRequest(t *testing.T, initData string) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]string{"initData": initData})
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+"/auth/telegram", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) gatedRequest(t *testing.T, method, path, initData string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set(initDataHeader, initData)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) seedTask(t *testing.T, reward string, active bool) *models.Task {
	t.Helper()
	task := &models.Task{Title: "Join community", Reward: decimal.RequireFromString(reward), IsActive: active}
	require.NoError(t, e.db.Create(task).Error)
	if !active {
		// GORM replaces a zero-value IsActive with its default:true on
		// INSERT, so an inactive task must be demoted with an UPDATE.
		require.NoError(t, e.db.Model(task).Update("is_active", false).Error)
		task.IsActive = false
	}
	return task
}

func TestAuthRegistersNewUser(t *testing.T) {
	env := newTestEnv(t)

	resp := env.authRequest(t, initDataFor(t, 42, "alice", ""))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[userOut](t, resp)

	assert.Equal(t, int64(42), out.ID)
	assert.Equal(t, "alice", out.Username)
	assert.Equal(t, "0.00", out.Balance)
	assert.Equal(t, "user", out.Role)
	assert.False(t, out.IsBanned)

	var stored models.User
	require.NoError(t, env.db.First(&stored, 42).Error)
	assert.Equal(t, "alice", stored.Username)
}

func TestAuthSyncsChangedUsername(t *testing.T) {
	env := newTestEnv(t)

	env.authRequest(t, initDataFor(t, 42, "alice", "")).Body.Close()
	resp := env.authRequest(t, initDataFor(t, 42, "alice_renamed", ""))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[userOut](t, resp)
	assert.Equal(t, "alice_renamed", out.Username)
}

func TestAuthAssignsAdminRole(t *testing.T) {
	env := newTestEnv(t)

	resp := env.authRequest(t, initDataFor(t, 900, "root", ""))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[userOut](t, resp)
	assert.Equal(t, "admin", out.Role)
}

func TestAuthAttributesReferral(t *testing.T) {
	env := newTestEnv(t)

	env.authRequest(t, initDataFor(t, 42, "alice", "")).Body.Close()
	resp := env.authRequest(t, initDataFor(t, 100, "bob", "ref_42"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[userOut](t, resp)
	require.NotNil(t, out.ReferrerID)
	assert.Equal(t, int64(42), *out.ReferrerID)

	listResp := env.gatedRequest(t, http.MethodGet, "/referrals", initDataFor(t, 42, "alice", ""), nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	referrals := decodeBody[[]referralOut](t, listResp)
	require.Len(t, referrals, 1)
	assert.Equal(t, int64(100), referrals[0].ReferredID)
	assert.False(t, referrals[0].RewardPaid)
}

func TestAuthRejectsTamperedInitData(t *testing.T) {
	env := newTestEnv(t)

	initData := initDataFor(t, 42, "alice", "")
	tampered := strings.Replace(initData, "42", "43", 1)

	resp := env.authRequest(t, tampered)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMeRequiresRegistration(t *testing.T) {
	env := newTestEnv(t)

	resp := env.gatedRequest(t, http.MethodGet, "/me", initDataFor(t, 42, "alice", ""), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBannedUserIsRejectedEverywhere(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Create(&models.User{ID: 42, Role: "user", IsBanned: true, RegisteredAt: time.Now()}).Error)

	initData := initDataFor(t, 42, "alice", "")

	resp := env.authRequest(t, initData)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.gatedRequest(t, http.MethodGet, "/me", initData, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListTasksMarksCompletion(t *testing.T) {
	env := newTestEnv(t)
	active := env.seedTask(t, "2.50", true)
	env.seedTask(t, "1.00", false) // inactive, must not be listed
	other := env.seedTask(t, "3.00", true)

	initData := initDataFor(t, 42, "alice", "")
	env.authRequest(t, initData).Body.Close()

	resp := env.gatedRequest(t, http.MethodPost, fmt.Sprintf("/tasks/%d/complete", active.ID), initData, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	listResp := env.gatedRequest(t, http.MethodGet, "/tasks", initData, nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	listed := decodeBody[[]taskOut](t, listResp)
	require.Len(t, listed, 2)

	byID := map[int64]taskOut{}
	for _, item := range listed {
		byID[item.ID] = item
	}
	assert.True(t, byID[active.ID].Completed)
	assert.False(t, byID[other.ID].Completed)
	assert.Equal(t, "2.50", byID[active.ID].Reward)
}

func TestCompleteTaskIsIdempotentOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "2.50", true)

	initData := initDataFor(t, 42, "alice", "")
	env.authRequest(t, initData).Body.Close()
	path := fmt.Sprintf("/tasks/%d/complete", task.ID)

	resp := env.gatedRequest(t, http.MethodPost, path, initData, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "completed", first["status"])
	assert.Equal(t, "2.50", first["balance"])

	resp = env.gatedRequest(t, http.MethodPost, path, initData, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "already_completed", second["status"])
	assert.Equal(t, "2.50", second["balance"])

	resp = env.gatedRequest(t, http.MethodPost, "/tasks/9999/complete", initData, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)

	adminInit := initDataFor(t, 900, "root", "")
	userInit := initDataFor(t, 42, "alice", "")
	env.authRequest(t, adminInit).Body.Close()
	env.authRequest(t, userInit).Body.Close()

	resp := env.gatedRequest(t, http.MethodGet, "/admin/users", userInit, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.gatedRequest(t, http.MethodGet, "/admin/users", adminInit, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := decodeBody[[]adminUserOut](t, resp)
	assert.Len(t, users, 2)

	resp = env.gatedRequest(t, http.MethodPost, "/admin/user/42/ban", adminInit,
		strings.NewReader(`{"is_banned":true}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.gatedRequest(t, http.MethodGet, "/me", userInit, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.gatedRequest(t, http.MethodPost, "/admin/user/9999/ban", adminInit,
		strings.NewReader(`{"is_banned":true}`))
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitEnforced(t *testing.T) {
	env := newTestEnvWithLimit(t, 2)
	initData := initDataFor(t, 42, "alice", "")

	for i := 0; i < 2; i++ {
		resp := env.authRequest(t, initData)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := env.authRequest(t, initData)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func (e *testEnv) dialWS(t *testing.T, userID int64, initData string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") +
		fmt.Sprintf("/ws/user/%d?initData=%s", userID, url.QueryEscape(initData))
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func TestWebsocketReceivesBalancePush(t *testing.T) {
	env := newTestEnv(t)
	task := env.seedTask(t, "2.50", true)

	initData := initDataFor(t, 42, "alice", "")
	env.authRequest(t, initData).Body.Close()

	conn, _, err := env.dialWS(t, 42, initData)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return env.registry.ConnectionCount(42) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := env.gatedRequest(t, http.MethodPost, fmt.Sprintf("/tasks/%d/complete", task.ID), initData, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":"2.50"}`, string(message))
}

func TestWebsocketRejectsForeignUserID(t *testing.T) {
	env := newTestEnv(t)
	initData := initDataFor(t, 42, "alice", "")
	env.authRequest(t, initData).Body.Close()

	conn, _, err := env.dialWS(t, 43, initData)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 0, env.registry.ConnectionCount(43))
}

func TestWebsocketRejectsMissingAndUnknownUsers(t *testing.T) {
	env := newTestEnv(t)

	// No init data at all.
	conn, _, err := env.dialWS(t, 42, "")
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	conn.Close()

	// Valid signature but the user never registered.
	conn, _, err = env.dialWS(t, 42, initDataFor(t, 42, "alice", ""))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	conn.Close()
}

func TestWebsocketDisconnectFreesRegistrySlot(t *testing.T) {
	env := newTestEnv(t)
	initData := initDataFor(t, 42, "alice", "")
	env.authRequest(t, initData).Body.Close()

	conn, _, err := env.dialWS(t, 42, initData)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return env.registry.ConnectionCount(42) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return env.registry.ConnectionCount(42) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
