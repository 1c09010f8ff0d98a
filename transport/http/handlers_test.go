package http

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/fortress/adapters/events"
	"github.com/layer-3/fortress/adapters/repository"
	"github.com/layer-3/fortress/adapters/store"
	"github.com/layer-3/fortress/adapters/tokenizer"
	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCookie = "pff_fortress_session"

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := tokenizer.LoadOrGenerateKey("")
	require.NoError(t, err)

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	st := store.NewMemoryStore(store.DefaultFraudPolicy())
	repo := repository.NewMemoryRepository()
	channel := events.NewWatermillChannel(pubSub, pubSub, "")

	fortress := service.NewFortressService(st, st, st, st, service.FortressOptions{})
	bindings := service.NewBindingService(repo, channel, service.BindingOptions{MaxDevices: 2})
	devices := service.NewDeviceService(repo, 0)
	vitalization := service.NewVitalizationService(bindings, repo, 0)

	h := NewHandlers(fortress, bindings, devices, vitalization, tokenizer.NewJWTTokenizer(key), CookieConfig{Name: testCookie})
	return SetupRouter(h, RouterOptions{})
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == testCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", testCookie)
	return nil
}

func encodeClientData(t *testing.T, challenge string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"type": "webauthn.get", "challenge": challenge})
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func syncBody(handshakeID, clientData, address string) gin.H {
	return gin.H{
		"handshakeId": handshakeID,
		"address":     address,
		"proof":       gin.H{"clientDataJSON": clientData},
	}
}

func TestChallenge_SetsSessionCookie(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/challenge", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.NotEmpty(t, body["challenge"])
	assert.EqualValues(t, 300, body["expiresIn"])

	cookie := sessionCookie(t, w)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 300, cookie.MaxAge)
}

func TestSyncPresence_FlowAndReplay(t *testing.T) {
	router := setupRouter(t)
	address := "0x52908400098527886E0F7030069857D2E4169EE7"

	w := doJSON(t, router, http.MethodGet, "/challenge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookie(t, w)
	challenge := decode(t, w)["challenge"].(string)

	body := syncBody("hs-1", encodeClientData(t, challenge), address)
	w = doJSON(t, router, http.MethodPost, "/sync-presence", body, cookie)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["ok"])

	w = doJSON(t, router, http.MethodGet, "/attestations/"+strings.ToLower(address), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["attested"])

	// Same proof again: the challenge is gone
	w = doJSON(t, router, http.MethodPost, "/sync-presence", body, cookie)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, true, decode(t, w)["fraud"])

	// The default policy blocks on the first alert
	w = doJSON(t, router, http.MethodGet, "/challenge", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	challenge = decode(t, w)["challenge"].(string)
	w = doJSON(t, router, http.MethodPost, "/sync-presence", syncBody("hs-2", encodeClientData(t, challenge), ""), cookie)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Blocked", decode(t, w)["error"])
}

func TestSyncPresence_Rejections(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		router := setupRouter(t)
		w := doJSON(t, router, http.MethodPost, "/sync-presence", syncBody("hs-1", encodeClientData(t, "x"), ""))
		require.Equal(t, http.StatusForbidden, w.Code)
		body := decode(t, w)
		assert.Equal(t, "No session", body["error"])
		assert.Equal(t, true, body["fraud"])
	})

	t.Run("missing handshake id", func(t *testing.T) {
		router := setupRouter(t)
		w := doJSON(t, router, http.MethodPost, "/sync-presence", syncBody("", "", ""))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		router := setupRouter(t)
		req := httptest.NewRequest(http.MethodPost, "/sync-presence", strings.NewReader("{"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("blocked source with malformed body", func(t *testing.T) {
		router := setupRouter(t)
		w := doJSON(t, router, http.MethodPost, "/sync-presence", syncBody("hs-1", encodeClientData(t, "x"), ""))
		require.Equal(t, http.StatusForbidden, w.Code)

		req := httptest.NewRequest(http.MethodPost, "/sync-presence", strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusForbidden, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Blocked", body["error"])
		assert.Equal(t, true, body["fraud"])
	})
}

func TestBindingEndpoints(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/binding/check", gin.H{"identityKey": "user-1", "deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(core.DecisionNoBindingYet), decode(t, w)["decision"])

	w = doJSON(t, router, http.MethodPost, "/binding/resolve", gin.H{"identityKey": "user-1", "deviceId": "dev-2", "outcome": "deny"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodPost, "/binding/bind", gin.H{"identityKey": "user-1", "deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(core.DecisionMatch), body["decision"])
	assert.Equal(t, true, body["primary"])

	w = doJSON(t, router, http.MethodPost, "/binding/check", gin.H{"identityKey": "user-1", "deviceId": "dev-2"})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, string(core.DecisionMismatch), body["decision"])
	assert.Equal(t, "dev-1", body["primaryDeviceId"])

	w = doJSON(t, router, http.MethodPost, "/binding/resolve", gin.H{"identityKey": "user-1", "deviceId": "dev-2", "outcome": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/binding/resolve", gin.H{"identityKey": "user-1", "deviceId": "dev-2", "outcome": "add_device"})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, string(core.DecisionMatch), body["decision"])
	assert.Equal(t, false, body["primary"])

	w = doJSON(t, router, http.MethodPost, "/binding/resolve", gin.H{"identityKey": "user-1", "deviceId": "dev-3", "outcome": "add_device"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost, "/binding/terminate", gin.H{"deviceId": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeviceEndpoints(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/device/handshake", gin.H{
		"identityKey":    "user-1",
		"clientMetadata": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(core.VendorApple), body["vendorClass"])
	assert.Equal(t, "70321c8f0404d4010b5106e75bed6e0d", body["uniqueId"])

	w = doJSON(t, router, http.MethodGet, "/identities/user-1/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["devices"], 1)
}

func TestVitalizeEndpoint(t *testing.T) {
	router := setupRouter(t)
	face := strings.Repeat("a", 64)
	device := strings.Repeat("b", 64)

	w := doJSON(t, router, http.MethodGet, "/identities/user-1/commitment", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/vitalize", gin.H{"identityKey": "user-1", "deviceId": "dev-1", "faceHash": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(core.StateError), decode(t, w)["state"])

	w = doJSON(t, router, http.MethodPost, "/vitalize", gin.H{
		"identityKey": "user-1",
		"deviceId":    "dev-1",
		"faceHash":    face,
		"deviceHash":  device,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, string(core.StateCompleted), body["state"])
	assert.Equal(t, core.HashHex(face+device), body["sovereignRoot"])

	w = doJSON(t, router, http.MethodGet, "/identities/user-1/commitment", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, core.HashHex(face+device), decode(t, w)["sovereignRoot"])

	w = doJSON(t, router, http.MethodPost, "/vitalize", gin.H{
		"identityKey": "user-1",
		"deviceId":    "dev-2",
		"faceHash":    face,
		"deviceHash":  device,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	body = decode(t, w)
	assert.Equal(t, string(core.StateError), body["state"])
	assert.Equal(t, string(core.DecisionMismatch), body["decision"])
}

func TestTerminationsStream(t *testing.T) {
	server := httptest.NewServer(setupRouter(t))
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/devices/dev-1/terminations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", prefix)
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	waitFor("event:ready")

	payload, err := json.Marshal(gin.H{"deviceId": "dev-1", "reason": "lost"})
	require.NoError(t, err)
	post, err := http.Post(server.URL+"/binding/terminate", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	_ = post.Body.Close()
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	waitFor("event:terminate")
	data := waitFor("data:")

	var event core.TerminationEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data:")), &event))
	assert.Equal(t, "dev-1", event.DeviceID)
	assert.Equal(t, "lost", event.Reason)
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err    error
		status int
		fraud  bool
	}{
		{core.ErrSourceBlocked, http.StatusForbidden, true},
		{core.ErrNonceBurned, http.StatusForbidden, true},
		{core.ErrChallengeInvalid, http.StatusForbidden, true},
		{core.ErrNotVitalized, http.StatusForbidden, false},
		{core.ErrDeviceLimitExceeded, http.StatusConflict, false},
		{core.ErrBindingConflict, http.StatusConflict, false},
		{core.ErrInvalidAddress, http.StatusBadRequest, false},
		{core.ErrNotFound, http.StatusNotFound, false},
		{core.Transient(assert.AnError), http.StatusServiceUnavailable, false},
		{assert.AnError, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		status, body := errorResponse(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		if tt.fraud {
			assert.Equal(t, true, body["fraud"], tt.err.Error())
		} else {
			assert.NotContains(t, body, "fraud", tt.err.Error())
		}
	}
}
