package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libattend/internal/api"
	"libattend/internal/attendance"
	"libattend/internal/auth"
	"libattend/internal/members"
	"libattend/internal/store"
	"libattend/internal/store/storetest"
)

func init() { gin.SetMode(gin.TestMode) }

var tokens = auth.TokenConfig{
	Issuer:     "libattend-test",
	SigningKey: "test-signing-key-with-enough-bytes",
	AccessTTL:  time.Minute,
	RefreshTTL: time.Hour,
}

type server struct {
	router http.Handler
	m      *store.Manager
}

func newServer(t *testing.T) *server {
	t.Helper()
	m := storetest.NewManager(t)
	log := zerolog.Nop()
	reg := members.NewRegistry(m, members.Options{}, log)
	authSvc := auth.NewService(m, tokens, log)
	_, err := authSvc.CreateAdmin(context.Background(), auth.NewAdmin{
		Username: "librarian", Password: "correct-horse", Name: "Head Librarian", Email: "lib@example.edu",
	})
	require.NoError(t, err)

	r := api.NewRouter(api.Deps{
		Manager:  m,
		Ledger:   attendance.NewLedger(m, attendance.Options{Invalidator: reg}, log),
		Members:  reg,
		Importer: members.NewImporter(m, reg, log),
		Auth:     authSvc,
		Tokens:   tokens,
		Log:      log,
	})
	return &server{router: r, m: m}
}

func (s *server) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) login(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/admin/login", gin.H{"username": "librarian", "password": "correct-horse"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Tokens auth.TokenPair `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Tokens.AccessToken)
	return resp.Tokens.AccessToken
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestVisitLifecycle(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/members", gin.H{
		"usn": "1rv21cs001", "name": "Asha", "department": "CSE", "semester": 3,
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/members", gin.H{
		"usn": "1RV21CS001", "name": "Asha", "department": "CSE", "semester": 3,
	}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/visits/check-in", gin.H{"usn": "1RV21CS001"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	in := decode[struct {
		Visit attendance.Visit `json:"visit"`
	}](t, w)
	assert.True(t, in.Visit.Open())

	w = s.do(t, http.MethodPost, "/v1/visits/check-in", gin.H{"usn": "1RV21CS001"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/visits/check-out", gin.H{"usn": "1RV21CS001"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[struct {
		Visit attendance.Visit `json:"visit"`
	}](t, w)
	require.NotNil(t, out.Visit.DurationMinutes)
	assert.Equal(t, 0, *out.Visit.DurationMinutes)
	assert.Equal(t, in.Visit.ID, out.Visit.ID)

	w = s.do(t, http.MethodPost, "/v1/visits/check-out", gin.H{"usn": "1RV21CS001"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCheckInErrors(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/visits/check-in", gin.H{"usn": "1RV21CS404"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/visits/check-in", gin.H{"usn": "  "}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/visits/check-out", gin.H{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchAndGet(t *testing.T) {
	s := newServer(t)
	for _, usn := range []string{"1RV21CS001", "1RV21CS002", "1RV21EC001"} {
		w := s.do(t, http.MethodPost, "/v1/members", gin.H{"usn": usn, "name": "N", "department": "CSE", "semester": 1}, "")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := s.do(t, http.MethodGet, "/v1/members/search/1rv21cs", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	found := decode[struct {
		Members []members.Member `json:"members"`
	}](t, w)
	assert.Len(t, found.Members, 2)

	w = s.do(t, http.MethodGet, "/v1/members/1RV21EC001", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/v1/members/1RV21EC999", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/v1/admin/stats", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/v1/admin/login", gin.H{"username": "librarian", "password": "wrong-password"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := s.login(t)
	w = s.do(t, http.MethodGet, "/v1/admin/stats", nil, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st := decode[attendance.Stats](t, w)
	assert.Zero(t, st.TotalMembers)
}

func TestRefresh(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/v1/admin/login", gin.H{"username": "librarian", "password": "correct-horse"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	pair := decode[struct {
		Tokens auth.TokenPair `json:"tokens"`
	}](t, w).Tokens

	w = s.do(t, http.MethodPost, "/v1/admin/refresh", gin.H{"refresh_token": pair.RefreshToken}, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/v1/admin/refresh", gin.H{"refresh_token": pair.AccessToken}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminVisitReports(t *testing.T) {
	s := newServer(t)
	token := s.login(t)
	w := s.do(t, http.MethodPost, "/v1/members", gin.H{"usn": "1RV21CS001", "name": "Asha", "department": "CSE", "semester": 3}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(t, http.MethodPost, "/v1/visits/check-in", gin.H{"usn": "1RV21CS001"}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, "/v1/admin/visits/open", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	open := decode[struct {
		Visits []attendance.VisitWithMember `json:"visits"`
		Count  int                          `json:"count"`
	}](t, w)
	require.Equal(t, 1, open.Count)
	assert.Equal(t, "Asha", open.Visits[0].Name)

	today := time.Now().UTC().Format(time.DateOnly)
	w = s.do(t, http.MethodGet, "/v1/admin/visits?from="+today+"&to="+today, nil, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = s.do(t, http.MethodGet, "/v1/admin/visits?from=yesterday&to="+today, nil, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/v1/admin/visits/recent?limit=5", nil, token)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/v1/admin/visits/recent?limit=-1", nil, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/v1/admin/members/1RV21CS001/visits", nil, token)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodDelete, "/v1/admin/members/1RV21CS001", nil, token)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminMemberManagement(t *testing.T) {
	s := newServer(t)
	token := s.login(t)
	w := s.do(t, http.MethodPost, "/v1/members", gin.H{"usn": "1RV21CS001", "name": "Asha", "department": "CSE", "semester": 8}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(t, http.MethodPost, "/v1/members", gin.H{"usn": "1RV21ME001", "name": "Ravi", "department": "ME", "semester": 2}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, "/v1/admin/members?department=ME", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = s.do(t, http.MethodPatch, "/v1/admin/members/1RV21ME001", gin.H{"name": "Ravi K"}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPatch, "/v1/admin/members/1RV21ME001", gin.H{"usn": "OTHER"}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/admin/members/advance-terms", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[struct {
		Advanced int64 `json:"advanced"`
	}](t, w).Advanced)

	w = s.do(t, http.MethodDelete, "/v1/admin/members/1RV21ME001", nil, token)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, "/v1/admin/members/1RV21ME001", nil, token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportJSONAndCSV(t *testing.T) {
	s := newServer(t)
	token := s.login(t)

	w := s.do(t, http.MethodPost, "/v1/admin/members/import", gin.H{"records": []gin.H{
		{"usn": "1RV21CS001", "name": "Asha", "department": "CSE", "semester": 3},
		{"usn": "bad", "name": "", "department": "CSE", "semester": 3},
	}}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[struct {
		Result members.Result `json:"result"`
	}](t, w).Result
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)

	csvBody := "usn,name,branch,semester,email,phone\n" +
		"1RV21CS002,Bala,CSE,4,,\n" +
		"1RV21CS003,Chitra,ECE,notanumber,,\n"
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/members/import", strings.NewReader(csvBody))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	csvResp := decode[struct {
		Result    members.Result     `json:"result"`
		RowErrors []members.RowError `json:"row_errors"`
	}](t, rec)
	assert.Equal(t, 1, csvResp.Result.SuccessCount)
	require.Len(t, csvResp.RowErrors, 1)
	assert.Equal(t, 3, csvResp.RowErrors[0].Line)

	assert.Equal(t, 2, storetest.Count(t, s.m, "SELECT COUNT(*) FROM members"))
}

func TestImportTemplate(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/v1/admin/members/import/template", nil, s.login(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv"))
	assert.Equal(t, members.CSVTemplate(), w.Body.String())
}
