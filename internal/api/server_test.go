package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubudusj/spelling-game-backend/internal/engine"
	"github.com/pubudusj/spelling-game-backend/internal/pipeline"
	"github.com/pubudusj/spelling-game-backend/internal/services"
	"github.com/pubudusj/spelling-game-backend/internal/store"
	"github.com/pubudusj/spelling-game-backend/internal/validation"
)

const (
	testAuthHeader = "x-custom-auth"
	testAuthValue  = "open-sesame"
)

type apiFixture struct {
	server   *httptest.Server
	store    *store.LibSQLStore
	issuer   *services.URLIssuer
	audioDir string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewLibSQLStore(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	audioDir := filepath.Join(dir, "audio")
	require.NoError(t, os.MkdirAll(audioDir, 0o755))

	issuer, err := services.NewURLIssuer(services.URLIssuerConfig{
		BaseURL: "http://placeholder.test",
		Secret:  "test-secret-test-secret",
		TTL:     time.Minute,
	})
	require.NoError(t, err)

	sink := services.NewNotifySink(services.NotifyConfig{}, nil)
	serving, err := pipeline.NewServing(pipeline.DefaultConfig(), st, issuer, sink, nil)
	require.NoError(t, err)
	registry := engine.NewRegistry()
	require.NoError(t, serving.RegisterHandlers(registry))
	eng, err := engine.New(registry, nil, nil)
	require.NoError(t, err)

	v, err := validation.NewPayloadValidator()
	require.NoError(t, err)

	s, err := NewServer(Options{
		Auth:      AuthOptions{HeaderName: testAuthHeader, HeaderValue: testAuthValue},
		CORS:      CORSOptions{AllowedOrigins: "*", AllowedMethods: "GET,POST,OPTIONS", AllowedHeaders: "Content-Type," + testAuthHeader},
		Validator: v,
		Serving:   serving,
		Engine:    eng,
		Store:     st,
		Issuer:    issuer,
		AudioDir:  audioDir,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{server: ts, store: st, issuer: issuer, audioDir: audioDir}
}

func (fx *apiFixture) seed(t *testing.T, language string, words ...string) {
	t.Helper()
	for _, w := range words {
		require.NoError(t, fx.store.PutWord(context.Background(), &store.WordRecord{
			PartitionKey: store.WordPartition(language),
			SortKey:      store.ContentHash(w),
			Word:         w,
			Description:  "meaning of " + w,
			AudioRef:     language + "/" + store.ContentHash(w) + ".mp3",
			CharCount:    len(w),
			UpdatedAt:    time.Now(),
		}))
	}
}

func (fx *apiFixture) post(t *testing.T, path string, body any, authed bool) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, fx.server.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set(testAuthHeader, testAuthValue)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestQuestionsRequiresAuthHeader(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.post(t, "/questions", map[string]any{"language": "en-US"}, false)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Contains(t, body, "error")
}

func TestQuestionsReturnsSignedQuestions(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seed(t, "en-US", "quartz", "rhythm", "island", "sphinx", "meadow")

	resp := fx.post(t, "/questions", map[string]any{"language": "en-US"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body := decodeBody(t, resp)
	questions, ok := body["questions"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, questions)

	for _, raw := range questions {
		q := raw.(map[string]any)
		assert.NotEmpty(t, q["id"])
		assert.NotEmpty(t, q["description"])
		assert.Contains(t, q["audio_url"], "signature=")
		_, hasWord := q["word"]
		assert.False(t, hasWord, "answer word must not leak to clients")
	}
}

func TestQuestionsRejectsMalformedBody(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.post(t, "/questions", map[string]any{"lang": "en-US"}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestQuestionsEmptyCorpusReturnsEmptyList(t *testing.T) {
	fx := newAPIFixture(t)

	// An empty word partition is reported to the notification sink, not
	// surfaced as an error: the client gets a valid zero-question response.
	resp := fx.post(t, "/questions", map[string]any{"language": "en-US"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	questions, ok := body["questions"].([]any)
	require.True(t, ok)
	assert.Empty(t, questions)
}

func TestQuestionsUnknownLanguageIsBadRequest(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.post(t, "/questions", map[string]any{"language": "xx-XX"}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAnswersChecksSpellings(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seed(t, "en-US", "quartz", "rhythm")

	resp := fx.post(t, "/answers", map[string]any{
		"language": "en-US",
		"answers": []map[string]any{
			{"id": store.ContentHash("quartz"), "word": "Quartz"},
			{"id": store.ContentHash("rhythm"), "word": "rythm"},
			{"id": "0000deadbeef0000", "word": "ghost"},
		},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 3)

	first := results[0].(map[string]any)
	assert.Equal(t, "quartz", first["original_word"])
	assert.True(t, first["correct"].(bool), "comparison is case-insensitive")

	second := results[1].(map[string]any)
	assert.Equal(t, "rhythm", second["original_word"])
	assert.False(t, second["correct"].(bool))

	third := results[2].(map[string]any)
	assert.Empty(t, third["original_word"])
	assert.False(t, third["correct"].(bool))
}

func TestAnswersRejectsEmptyList(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.post(t, "/answers", map[string]any{
		"language": "en-US",
		"answers":  []map[string]any{},
	}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAudioServesSignedObject(t *testing.T) {
	fx := newAPIFixture(t)

	ref := "en-US/abc123.mp3"
	require.NoError(t, os.MkdirAll(filepath.Join(fx.audioDir, "en-US"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.audioDir, "en-US", "abc123.mp3"), []byte("ID3 audio bytes"), 0o644))

	signed, err := fx.issuer.Issue(ref)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	resp, err := http.Get(fx.server.URL + u.Path + "?" + u.RawQuery)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ID3 audio bytes", string(data))
}

func TestAudioRejectsTamperedSignature(t *testing.T) {
	fx := newAPIFixture(t)

	signed, err := fx.issuer.Issue("en-US/abc123.mp3")
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	q := u.Query()
	q.Set("signature", strings.Repeat("0", 64))

	resp, err := http.Get(fx.server.URL + u.Path + "?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAudioRejectsMissingExpires(t *testing.T) {
	fx := newAPIFixture(t)

	resp, err := http.Get(fx.server.URL + "/audio/en-US/abc123.mp3?signature=deadbeef")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreflightRequest(t *testing.T) {
	fx := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodOptions, fx.server.URL+"/questions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "GET,POST,OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
}
