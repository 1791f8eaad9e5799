// Package remotetest provides an in-memory fake of the hosted backend for
// tests: PostgREST-style tables, an object store and the auth endpoints.
//
//	srv := remotetest.NewServer()
//	defer srv.Close()
//	client, _ := remote.New(remote.Config{BaseURL: srv.URL, APIKey: srv.APIKey})
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// DefaultAPIKey is the API key accepted by a new Server.
const DefaultAPIKey = "test-anon-key"

// TokenTTL is the lifetime of issued access tokens.
const TokenTTL = time.Hour

var signingKey = []byte("remotetest-signing-key")

// Request is one request received by the server.
type Request struct {
	Method string
	Path   string
	Query  string
	Auth   string
}

type failure struct {
	method string
	table  string
	status int
	times  int
}

type user struct {
	id       string
	password string
}

// Server is a fake backend. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server
	APIKey string

	// RequireAuth rejects table and storage requests without a valid bearer
	// token.
	RequireAuth bool

	mu       sync.Mutex
	tables   map[string][]map[string]any
	objects  map[string][]byte
	users    map[string]user
	access   map[string]string // access token -> user id
	refresh  map[string]string // refresh token -> user id
	failures []*failure
	requests []Request
}

// NewServer starts a server with empty tables.
func NewServer() *Server {
	s := &Server{
		APIKey:  DefaultAPIKey,
		tables:  make(map[string][]map[string]any),
		objects: make(map[string][]byte),
		users:   make(map[string]user),
		access:  make(map[string]string),
		refresh: make(map[string]string),
	}

	r := mux.NewRouter()
	r.Use(s.record, s.checkAPIKey)

	rest := r.PathPrefix("/rest/v1").Subrouter()
	rest.Use(s.checkToken)
	rest.HandleFunc("/{table}", s.handleSelect).Methods(http.MethodGet)
	rest.HandleFunc("/{table}", s.handleInsert).Methods(http.MethodPost)
	rest.HandleFunc("/{table}", s.handleUpdate).Methods(http.MethodPatch)
	rest.HandleFunc("/{table}", s.handleDelete).Methods(http.MethodDelete)

	r.HandleFunc("/storage/v1/object/public/{bucket}/{key:.+}", s.handleGetObject).Methods(http.MethodGet)
	storage := r.PathPrefix("/storage/v1/object").Subrouter()
	storage.Use(s.checkToken)
	storage.HandleFunc("/{bucket}/{key:.+}", s.handlePutObject).Methods(http.MethodPost)

	r.HandleFunc("/auth/v1/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/signup", s.handleSignUp).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/logout", s.handleLogout).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

// Seed inserts rows into table. Each row is anything that marshals to a
// JSON object with an "id".
func (s *Server) Seed(table string, rows ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			panic(fmt.Sprintf("remotetest: cannot marshal seed row: %v", err))
		}
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			panic(fmt.Sprintf("remotetest: seed row is not an object: %v", err))
		}
		s.upsertLocked(table, obj)
	}
}

// Rows returns a copy of the rows in table, in insertion order.
func (s *Server) Rows(table string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, copyRow(row))
	}
	return out
}

// IDs returns the ids of the rows in table, in insertion order.
func (s *Server) IDs(table string) []string {
	var ids []string
	for _, row := range s.Rows(table) {
		ids = append(ids, fmt.Sprint(row["id"]))
	}
	return ids
}

// Object returns a stored object.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

// AddUser registers an account for the password grant.
func (s *Server) AddUser(email, password, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = user{id: userID, password: password}
}

// IssueTokens returns a fresh access and refresh token for userID.
func (s *Server) IssueTokens(userID string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

// RevokeAccessTokens invalidates every outstanding access token, so the next
// authenticated request gets a 401. Refresh tokens stay valid.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeRefreshTokens makes every refresh attempt fail.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// Fail makes the next times requests with method against table answer with
// status. An empty method matches any method.
func (s *Server) Fail(method, table string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, table: table, status: status, times: times})
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts received requests with method and path.
func (s *Server) CountRequests(method, path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) issueLocked(userID string) (string, string) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(TokenTTL).Unix(),
		"jti": uuid.New().String(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(fmt.Sprintf("remotetest: cannot sign token: %v", err))
	}
	refresh := uuid.New().String()
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != s.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		require := s.RequireAuth
		token, hasBearer := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		_, valid := s.access[token]
		s.mu.Unlock()

		if (require || hasBearer) && !valid {
			writeError(w, http.StatusUnauthorized, "JWT expired")
			return
		}
		if status, ok := s.takeFailure(r.Method, mux.Vars(r)["table"]); ok {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) takeFailure(method, table string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.failures {
		if f.times <= 0 {
			continue
		}
		if (f.method == "" || f.method == method) && (f.table == "" || f.table == table) {
			f.times--
			return f.status, true
		}
	}
	return 0, false
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	s.mu.Lock()
	var out []map[string]any
	for _, row := range s.tables[table] {
		if matches(row, r.URL.Query()) {
			out = append(out, copyRow(row))
		}
	}
	s.mu.Unlock()

	if out == nil {
		out = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	rows, err := readRows(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	upsert := r.URL.Query().Get("on_conflict") == "id"

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if row["id"] == nil {
			row["id"] = uuid.New().String()
		}
		if !upsert && s.indexLocked(table, fmt.Sprint(row["id"])) >= 0 {
			writeError(w, http.StatusConflict, "duplicate key value violates unique constraint")
			return
		}
	}
	for _, row := range rows {
		s.upsertLocked(table, row)
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[table] {
		if matches(row, r.URL.Query()) {
			for k, v := range fields {
				row[k] = v
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tables[table][:0]
	for _, row := range s.tables[table] {
		if !matches(row, r.URL.Query()) {
			kept = append(kept, row)
		}
	}
	s.tables[table] = kept
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := vars["bucket"] + "/" + vars["key"]
	s.mu.Lock()
	_, exists := s.objects[key]
	if exists && r.Header.Get("x-upsert") != "true" {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "object exists")
		return
	}
	s.objects[key] = data
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"Key": key})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, ok := s.Object(vars["bucket"], vars["key"])
	if !ok {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	_, _ = w.Write(data)
}

type authRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var userID string
	switch r.URL.Query().Get("grant_type") {
	case "password":
		u, ok := s.users[req.Email]
		if !ok || u.password != req.Password {
			writeError(w, http.StatusBadRequest, "invalid login credentials")
			return
		}
		userID = u.id
	case "refresh_token":
		id, ok := s.refresh[req.RefreshToken]
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid refresh token")
			return
		}
		delete(s.refresh, req.RefreshToken)
		userID = id
	default:
		writeError(w, http.StatusBadRequest, "unsupported grant type")
		return
	}

	writeJSON(w, http.StatusOK, s.tokenResponseLocked(userID, req.Email))
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[req.Email]; exists {
		writeError(w, http.StatusUnprocessableEntity, "user already registered")
		return
	}
	id := uuid.New().String()
	s.users[req.Email] = user{id: id, password: req.Password}
	writeJSON(w, http.StatusOK, s.tokenResponseLocked(id, req.Email))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.access, token)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) tokenResponseLocked(userID, email string) map[string]any {
	access, refresh := s.issueLocked(userID)
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    int64(TokenTTL / time.Second),
		"expires_at":    time.Now().Add(TokenTTL).Unix(),
		"user":          map[string]any{"id": userID, "email": email},
	}
}

func (s *Server) indexLocked(table, id string) int {
	for i, row := range s.tables[table] {
		if fmt.Sprint(row["id"]) == id {
			return i
		}
	}
	return -1
}

func (s *Server) upsertLocked(table string, row map[string]any) {
	if i := s.indexLocked(table, fmt.Sprint(row["id"])); i >= 0 {
		s.tables[table][i] = row
		return
	}
	s.tables[table] = append(s.tables[table], row)
}

// matches applies eq. and in.() filters. Other parameters are ignored.
func matches(row map[string]any, params map[string][]string) bool {
	for col, values := range params {
		switch col {
		case "select", "order", "limit", "on_conflict":
			continue
		}
		got := fmt.Sprint(row[col])
		for _, v := range values {
			switch {
			case strings.HasPrefix(v, "eq."):
				if got != strings.TrimPrefix(v, "eq.") {
					return false
				}
			case strings.HasPrefix(v, "in.(") && strings.HasSuffix(v, ")"):
				found := false
				for _, opt := range strings.Split(v[len("in.("):len(v)-1], ",") {
					if got == strings.Trim(opt, `"`) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
		}
	}
	return true
}

func readRows(body io.Reader) ([]map[string]any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var rows []map[string]any
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return []map[string]any{row}, nil
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
