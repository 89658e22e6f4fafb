package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerdneilsfield/imagegen-broker/internal/auth"
	"github.com/nerdneilsfield/imagegen-broker/internal/broker"
	"github.com/nerdneilsfield/imagegen-broker/internal/i18n"
	"github.com/nerdneilsfield/imagegen-broker/internal/profile"
	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	adminID = int64(1)
	userUID = int64(42)
)

type fakeBroker struct {
	mu        sync.Mutex
	t2i       []imageapi.TextToImageParams
	i2i       []imageapi.ImageToImageParams
	result    *broker.Result
	err       error
	panicWith any
}

func (b *fakeBroker) TextToImage(_ context.Context, _ int64, p imageapi.TextToImageParams) (*broker.Result, error) {
	b.mu.Lock()
	b.t2i = append(b.t2i, p)
	b.mu.Unlock()
	if b.panicWith != nil {
		panic(b.panicWith)
	}
	return b.result, b.err
}

func (b *fakeBroker) ImageToImage(_ context.Context, _ int64, p imageapi.ImageToImageParams) (*broker.Result, error) {
	b.mu.Lock()
	b.i2i = append(b.i2i, p)
	b.mu.Unlock()
	return b.result, b.err
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[int64]int
	topUpCap int
}

func (l *fakeLedger) Balance(_ context.Context, userID int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	if !ok {
		return 0, storage.ErrUserNotFound
	}
	return b, nil
}

func (l *fakeLedger) Add(_ context.Context, userID int64, amount int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount <= 0 || amount > l.topUpCap {
		return 0, fmt.Errorf("%w: must be between 1 and %d", storage.ErrInvalidAmount, l.topUpCap)
	}
	if _, ok := l.balances[userID]; !ok {
		return 0, storage.ErrUserNotFound
	}
	l.balances[userID] += amount
	return l.balances[userID], nil
}

type fakeProfiles struct {
	mu     sync.Mutex
	nextID int64
	views  map[int64]*profile.View
	keys   map[int64]string
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{views: map[int64]*profile.View{}, keys: map[int64]string{}}
}

func (f *fakeProfiles) List(context.Context) ([]profile.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]profile.View, 0, len(f.views))
	for id := int64(1); id <= f.nextID; id++ {
		if v, ok := f.views[id]; ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeProfiles) Get(_ context.Context, id int64) (*profile.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeProfiles) Create(_ context.Context, p profile.CreateParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Name == "" {
		return 0, fmt.Errorf("%w: name is required", profile.ErrInvalidProfile)
	}
	for _, v := range f.views {
		if v.Name == p.Name {
			return 0, profile.ErrDuplicateName
		}
	}
	f.nextID++
	f.views[f.nextID] = &profile.View{ID: f.nextID, Name: p.Name, BaseURL: p.BaseURL, MaskedKey: "sk-...", IsActive: p.MakeActive}
	f.keys[f.nextID] = p.APIKey
	return f.nextID, nil
}

func (f *fakeProfiles) Update(_ context.Context, id int64, p profile.UpdateParams) (*profile.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	if p.Name != nil {
		v.Name = *p.Name
	}
	if p.BaseURL != nil {
		v.BaseURL = *p.BaseURL
	}
	cp := *v
	return &cp, nil
}

func (f *fakeProfiles) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return profile.ErrNotFound
	}
	if v.IsActive {
		return profile.ErrConflict
	}
	delete(f.views, id)
	return nil
}

func (f *fakeProfiles) Toggle(_ context.Context, id int64) (*profile.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	v.IsActive = !v.IsActive
	cp := *v
	return &cp, nil
}

func (f *fakeProfiles) Resolve(_ context.Context, id int64) (imageapi.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return imageapi.Credentials{}, profile.ErrNotFound
	}
	return imageapi.Credentials{BaseURL: v.BaseURL, APIKey: f.keys[id]}, nil
}

func (f *fakeProfiles) CacheInfo() profile.CacheInfo {
	return profile.CacheInfo{Cached: true, ProfileID: 1}
}

type fakeUpstream struct {
	mu      sync.Mutex
	catalog *imageapi.Catalog
	probed  []imageapi.Credentials
	timeout time.Duration
}

func (u *fakeUpstream) Catalog() *imageapi.Catalog { return u.catalog }

func (u *fakeUpstream) TestConnection(_ context.Context, creds imageapi.Credentials, timeout time.Duration) imageapi.ProbeResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.probed = append(u.probed, creds)
	u.timeout = timeout
	return imageapi.ProbeResult{Reachable: true, StatusCode: 200, Message: "connected", Models: []string{"nano-banana"}}
}

type fakeGallery struct{}

func (fakeGallery) ListByUser(_ context.Context, userID int64, limit int) ([]storage.Creation, error) {
	uid := userID
	return []storage.Creation{{ID: 9, UserID: &uid, Prompt: "a cat", ImageURL: "https://cdn.example/cat.png", ModelUsed: "nano-banana", Size: "1024x1024"}}, nil
}

type fakeMetrics struct{ operation string }

func (m *fakeMetrics) Recent(_ context.Context, operation string, _ int) ([]storage.PerformanceMetric, error) {
	m.operation = operation
	return []storage.PerformanceMetric{{Operation: imageapi.OperationTextToImage, Success: true, Attempts: 1}}, nil
}

type fixture struct {
	server   *Server
	broker   *fakeBroker
	ledger   *fakeLedger
	profiles *fakeProfiles
	upstream *fakeUpstream
	metrics  *fakeMetrics
	auth     *auth.Authorizer
	registry *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	translations, err := i18n.NewManager("en", zaptest.NewLogger(t))
	require.NoError(t, err)

	f := &fixture{
		broker:   &fakeBroker{},
		ledger:   &fakeLedger{balances: map[int64]int{userUID: 5, adminID: 0}, topUpCap: 1000},
		profiles: newFakeProfiles(),
		upstream: &fakeUpstream{catalog: imageapi.NewCatalog(map[string]string{"standard": "nano-banana", "hd": "nano-banana-hd"})},
		metrics:  &fakeMetrics{},
		auth:     auth.NewAuthorizer("api-test-secret", "imagegen-broker", []int64{adminID}),
		registry: prometheus.NewRegistry(),
	}
	if cfg.TopUpCap == 0 {
		cfg.TopUpCap = 1000
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	f.server = NewServer(cfg, Deps{
		Broker:     f.broker,
		Ledger:     f.ledger,
		Profiles:   f.profiles,
		Upstream:   f.upstream,
		Gallery:    fakeGallery{},
		Metrics:    f.metrics,
		Authorizer: f.auth,
		I18n:       translations,
		Gatherer:   f.registry,
		Logger:     zaptest.NewLogger(t),
	})
	return f
}

func (f *fixture) token(t *testing.T, id int64) string {
	t.Helper()
	tok, err := f.auth.Issue(id, "", time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, req *http.Request, as int64) *httptest.ResponseRecorder {
	t.Helper()
	if as != 0 {
		req.Header.Set("Authorization", "Bearer "+f.token(t, as))
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) doJSON(t *testing.T, method, path string, body any, as int64) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req, as)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.doJSON(t, http.MethodGet, "/api/v1/credits", nil, 0)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w).Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	w = f.do(t, req, 0)
	assert.Equal(t, "需要登录", decodeError(t, w).Error.Message)

	w = f.doJSON(t, http.MethodGet, "/api/v1/admin/profiles", nil, userUID)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeError(t, w).Error.Code)

	w = f.doJSON(t, http.MethodGet, "/api/v1/admin/profiles", nil, adminID)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	f.registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "api_test_total", Help: "test"}))

	w := f.doJSON(t, http.MethodGet, "/healthz", nil, 0)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.doJSON(t, http.MethodGet, "/metrics", nil, 0)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "api_test_total")
}

func TestCreditsAndCreations(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.doJSON(t, http.MethodGet, "/api/v1/credits", nil, userUID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":42,"credits":5}`, w.Body.String())

	w = f.doJSON(t, http.MethodGet, "/api/v1/credits", nil, 77)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "user_not_found", decodeError(t, w).Error.Code)

	w = f.doJSON(t, http.MethodGet, "/api/v1/creations?limit=5", nil, userUID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://cdn.example/cat.png")

	w = f.doJSON(t, http.MethodGet, "/api/v1/creations?limit=0", nil, userUID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTextToImage(t *testing.T) {
	f := newFixture(t, Config{})
	f.broker.result = &broker.Result{
		Success:          true,
		Images:           []imageapi.Image{{URL: "https://cdn.example/1.png"}},
		GenerationTime:   2.5,
		ModelUsed:        "nano-banana",
		Prompt:           "a cat",
		Size:             "1024x1024",
		RemainingCredits: 4,
	}

	w := f.doJSON(t, http.MethodPost, "/api/v1/generate/text-to-image",
		map[string]any{"prompt": "a cat", "size": "1x1", "n": 2, "model": "hd"}, userUID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(4), body["remaining_credits"])
	assert.NotContains(t, body, "message")

	require.Len(t, f.broker.t2i, 1)
	assert.Equal(t, imageapi.TextToImageParams{Prompt: "a cat", Size: "1x1", N: 2, Model: "hd"}, f.broker.t2i[0])
}

func TestTextToImageBadBody(t *testing.T) {
	f := newFixture(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate/text-to-image", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(t, req, userUID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", decodeError(t, w).Error.Code)
	assert.Empty(t, f.broker.t2i)
}

func TestDegradedResult(t *testing.T) {
	f := newFixture(t, Config{})
	f.broker.result = &broker.Result{
		Success:  true,
		Images:   []imageapi.Image{{URL: "https://cdn.example/1.png"}, {URL: "https://cdn.example/2.png"}},
		Degraded: true,
		Warnings: []string{"image 2 could not be saved to your gallery"},
	}
	w := f.doJSON(t, http.MethodPost, "/api/v1/generate/text-to-image", map[string]any{"prompt": "a cat"}, userUID)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["degraded"])
	assert.Equal(t, "Generated, but 1 image could not be saved to your gallery", body["message"])
}

func TestBrokerErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     *broker.Error
		status  int
		message string
	}{
		{"invalid input", &broker.Error{Code: broker.CodeInvalidInput, Message: "invalid size: \"7x7\""}, http.StatusBadRequest, "Invalid request: invalid size: \"7x7\""},
		{"insufficient", &broker.Error{Code: broker.CodeInsufficientCredits, Message: "insufficient credits"}, http.StatusPaymentRequired, "Insufficient credits"},
		{"user not found", &broker.Error{Code: broker.CodeUserNotFound}, http.StatusNotFound, "User not found"},
		{"rate limited", &broker.Error{Code: broker.CodeRateLimited}, http.StatusTooManyRequests, "The image service is busy, please try again later"},
		{"timeout", &broker.Error{Code: broker.CodeUpstreamTimeout, GenerationTime: 180.2}, http.StatusGatewayTimeout, "Image generation timed out, your credit has been refunded"},
		{"unavailable", &broker.Error{Code: broker.CodeUpstreamUnavailable}, http.StatusBadGateway, "The image service is unavailable, your credit has been refunded"},
		{"credentials", &broker.Error{Code: broker.CodeInvalidCredentials}, http.StatusBadGateway, "The image service rejected the configured API key, please contact an administrator"},
		{"rejected", &broker.Error{
			Code:    broker.CodeUpstreamRejected,
			Message: "the image service rejected the request: content policy",
			Err:     &imageapi.Error{Kind: imageapi.KindRejected, StatusCode: 422, Message: "content policy"},
		}, http.StatusBadGateway, "The image service rejected the request: content policy"},
		{"configuration", &broker.Error{Code: broker.CodeConfigurationMissing}, http.StatusServiceUnavailable, "Image generation is not configured yet"},
		{"internal", &broker.Error{Code: broker.CodeInternal}, http.StatusInternalServerError, "Generation failed, please try again later"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.broker.err = tc.err

			w := f.doJSON(t, http.MethodPost, "/api/v1/generate/text-to-image", map[string]any{"prompt": "a cat"}, userUID)
			assert.Equal(t, tc.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, string(tc.err.Code), body.Error.Code)
			assert.Equal(t, tc.message, body.Error.Message)
			require.NotNil(t, body.GenerationTime)
			assert.InDelta(t, tc.err.GenerationTime, *body.GenerationTime, 0.001)
		})
	}
}

func TestPanicRecovered(t *testing.T) {
	f := newFixture(t, Config{})
	f.broker.panicWith = "boom"

	w := f.doJSON(t, http.MethodPost, "/api/v1/generate/text-to-image", map[string]any{"prompt": "a cat"}, userUID)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", decodeError(t, w).Error.Code)
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte, order []string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, name := range order {
		field, filename, _ := strings.Cut(name, "|")
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestImageToImage(t *testing.T) {
	f := newFixture(t, Config{})
	f.broker.result = &broker.Result{Success: true, Size: imageapi.AutoSize}

	files := map[string][]byte{
		"images[]|cat.png": []byte("first"),
		"image|dog.png":    []byte("second"),
	}
	body, contentType := multipartBody(t,
		map[string]string{"prompt": "  make it blue  ", "n": "2", "model": "hd"},
		files, []string{"images[]|cat.png", "image|dog.png"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate/image-to-image", body)
	req.Header.Set("Content-Type", contentType)
	w := f.do(t, req, userUID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, f.broker.i2i, 1)
	p := f.broker.i2i[0]
	assert.Equal(t, "make it blue", p.Prompt)
	assert.Equal(t, "hd", p.Model)
	assert.Equal(t, 2, p.N)
	require.Len(t, p.Images, 2)
	assert.Equal(t, "cat.png", p.Images[0].Filename)
	assert.Equal(t, "image/png", p.Images[0].ContentType)
	assert.Equal(t, []byte("first"), p.Images[0].Data)
	assert.Equal(t, "dog.png", p.Images[1].Filename)
}

func TestImageToImageRejectsBadInput(t *testing.T) {
	f := newFixture(t, Config{MaxUploadBytes: 1024})

	body, contentType := multipartBody(t, map[string]string{"prompt": "x", "n": "two"}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate/image-to-image", body)
	req.Header.Set("Content-Type", contentType)
	w := f.do(t, req, userUID)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/generate/image-to-image", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	w = f.do(t, req, userUID)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	big := map[string][]byte{"images[]|big.png": bytes.Repeat([]byte{0x1}, 4096)}
	body, contentType = multipartBody(t, map[string]string{"prompt": "x"}, big, []string{"images[]|big.png"})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/generate/image-to-image", body)
	req.Header.Set("Content-Type", contentType)
	w = f.do(t, req, userUID)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Empty(t, f.broker.i2i)
}

func TestListModels(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.doJSON(t, http.MethodGet, "/api/v1/generate/models", nil, userUID)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Models    map[string]string `json:"models"`
		Sizes     map[string]string `json:"sizes"`
		MaxImages int               `json:"max_images"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "nano-banana-hd", body.Models["hd"])
	assert.Equal(t, "1792x1024", body.Sizes["16x9"])
	assert.Equal(t, imageapi.MaxImages, body.MaxImages)
}

func TestProfileAdmin(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.doJSON(t, http.MethodPost, "/api/v1/admin/profiles", map[string]any{
		"name": "primary", "base_url": "https://api.example.com", "api_key": "sk-live-1234567890", "make_active": true,
	}, adminID)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created profile.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "primary", created.Name)
	assert.NotContains(t, w.Body.String(), "sk-live-1234567890")

	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/profiles", map[string]any{"name": "primary"}, adminID)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_name", decodeError(t, w).Error.Code)

	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/profiles", map[string]any{"name": ""}, adminID)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/profiles", map[string]any{"name": "backup", "base_url": "https://b.example.com"}, adminID)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.doJSON(t, http.MethodPut, "/api/v1/admin/profiles/2", map[string]any{"name": "secondary"}, adminID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"secondary"`)

	w = f.doJSON(t, http.MethodGet, "/api/v1/admin/profiles/2", nil, adminID)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.doJSON(t, http.MethodDelete, "/api/v1/admin/profiles/1", nil, adminID)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decodeError(t, w).Error.Code)

	w = f.doJSON(t, http.MethodPut, "/api/v1/admin/profiles/1/toggle", nil, adminID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_active":false`)

	w = f.doJSON(t, http.MethodDelete, "/api/v1/admin/profiles/1", nil, adminID)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.doJSON(t, http.MethodGet, "/api/v1/admin/profiles/1", nil, adminID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.doJSON(t, http.MethodDelete, "/api/v1/admin/profiles/abc", nil, adminID)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.doJSON(t, http.MethodGet, "/api/v1/admin/profiles", nil, adminID)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Profiles []profile.View `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Profiles, 1)
	assert.Equal(t, "secondary", list.Profiles[0].Name)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t, Config{ProbeTimeout: 3 * time.Second})
	_, err := f.profiles.Create(context.Background(), profile.CreateParams{Name: "saved", BaseURL: "https://saved.example.com", APIKey: "sk-saved-123456"})
	require.NoError(t, err)

	w := f.doJSON(t, http.MethodPost, "/api/v1/admin/profiles/test-connection", map[string]any{"profile_id": 1}, adminID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)

	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/profiles/test-connection",
		map[string]any{"base_url": " https://draft.example.com ", "api_key": "sk-draft-123456"}, adminID)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.upstream.probed, 2)
	assert.Equal(t, imageapi.Credentials{BaseURL: "https://saved.example.com", APIKey: "sk-saved-123456"}, f.upstream.probed[0])
	assert.Equal(t, "https://draft.example.com", f.upstream.probed[1].BaseURL)
	assert.Equal(t, 3*time.Second, f.upstream.timeout)

	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/profiles/test-connection", map[string]any{"base_url": "https://x.example.com"}, adminID)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/profiles/test-connection", map[string]any{"profile_id": 99}, adminID)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGrantCredits(t *testing.T) {
	f := newFixture(t, Config{TopUpCap: 100})

	w := f.doJSON(t, http.MethodPost, "/api/v1/admin/users/42/credits", map[string]any{"amount": 10}, adminID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":42,"credits":15}`, w.Body.String())

	f.ledger.topUpCap = 100
	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/users/42/credits", map[string]any{"amount": 101}, adminID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "invalid_amount", body.Error.Code)
	assert.Equal(t, "Credit amount must be between 1 and 100", body.Error.Message)

	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/users/77/credits", map[string]any{"amount": 1}, adminID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.doJSON(t, http.MethodPost, "/api/v1/admin/users/42/credits", map[string]any{"amount": 1}, userUID)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminInspection(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.doJSON(t, http.MethodGet, "/api/v1/admin/config-cache", nil, adminID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cached":true`)

	w = f.doJSON(t, http.MethodGet, "/api/v1/admin/metrics/recent?operation=text_to_image", nil, adminID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text_to_image", f.metrics.operation)
	assert.Contains(t, w.Body.String(), `"attempts":1`)
}

func TestGenerationThrottle(t *testing.T) {
	f := newFixture(t, Config{GenerationsPerMinute: 1, GenerationBurst: 1})
	f.broker.result = &broker.Result{Success: true}

	w := f.doJSON(t, http.MethodPost, "/api/v1/generate/text-to-image", map[string]any{"prompt": "a cat"}, userUID)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.doJSON(t, http.MethodPost, "/api/v1/generate/text-to-image", map[string]any{"prompt": "a cat"}, userUID)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decodeError(t, w).Error.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, f.broker.t2i, 1)

	// other users and read-only endpoints are not affected
	w = f.doJSON(t, http.MethodPost, "/api/v1/generate/text-to-image", map[string]any{"prompt": "a cat"}, adminID)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.doJSON(t, http.MethodGet, "/api/v1/generate/models", nil, userUID)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Config{CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/generate/text-to-image", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := f.do(t, req, 0)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/generate/text-to-image", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = f.do(t, req, 0)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
