// Package routermock is an in-memory hotspot device exposing the same REST
// surface the provisioner talks to. It backs cmd/routermock and the tests.
package routermock

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type User struct {
	ID         string `json:".id"`
	Name       string `json:"name"`
	Password   string `json:"password,omitempty"`
	Profile    string `json:"profile"`
	MacAddress string `json:"mac-address"`
	Comment    string `json:"comment,omitempty"`
}

type ErrorResponse struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

type Server struct {
	token  string
	logger *slog.Logger

	mu     sync.Mutex
	users  map[string]User
	nextID int
	calls  map[string]int
}

func New(token string, logger *slog.Logger) *Server {
	return &Server{
		token:  token,
		logger: logger,
		users:  make(map[string]User),
		calls:  make(map[string]int),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/ip/hotspot/user", s.list)
	mux.HandleFunc("PUT /rest/ip/hotspot/user", s.create)
	mux.HandleFunc("DELETE /rest/ip/hotspot/user/{id}", s.remove)

	return s.loggingMiddleware(s.countMiddleware(s.authMiddleware(mux)))
}

// Users returns the current credentials ordered by id.
func (s *Server) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// Calls returns how many requests with the given method were served.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	macFilter := r.URL.Query().Get("mac-address")
	nameFilter := r.URL.Query().Get("name")

	s.mu.Lock()
	found := make([]User, 0)
	for _, u := range s.users {
		if macFilter != "" && !strings.EqualFold(u.MacAddress, macFilter) {
			continue
		}
		if nameFilter != "" && u.Name != nameFilter {
			continue
		}
		found = append(found, u)
	}
	s.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var u User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: http.StatusBadRequest, Message: err.Error()})
		return
	}
	if u.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: http.StatusBadRequest, Message: "name is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Name == u.Name {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   http.StatusBadRequest,
				Message: "failure: user with the same name already exists",
			})
			return
		}
	}

	s.nextID++
	u.ID = "*" + strconv.FormatInt(int64(s.nextID), 16)
	s.users[u.ID] = u

	u.Password = ""
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	_, ok := s.users[id]
	delete(s.users, id)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: http.StatusNotFound, Message: "no such item"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
