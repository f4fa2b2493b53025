package handler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/spidey52/api-logs/internal/response"
)

// User is the resource served by the demo API.
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type userRequest struct {
	Name  string `json:"name" validate:"required,min=1,max=100"`
	Email string `json:"email" validate:"required,email"`
}

var errUserNotFound = errors.New("user not found")

// UserStore keeps users in memory.
type UserStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[uuid.UUID]User)}
}

func (s *UserStore) List() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *UserStore) Get(id uuid.UUID) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, errUserNotFound
	}
	return u, nil
}

func (s *UserStore) Create(name, email string) User {
	now := time.Now().UTC()
	u := User{ID: uuid.New(), Name: name, Email: email, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return u
}

func (s *UserStore) Update(id uuid.UUID, name, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, errUserNotFound
	}
	u.Name, u.Email, u.UpdatedAt = name, email, time.Now().UTC()
	s.users[id] = u
	return u, nil
}

func (s *UserStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return errUserNotFound
	}
	delete(s.users, id)
	return nil
}

// UserHandler serves /users.
type UserHandler struct {
	Store    *UserStore
	Validate *validator.Validate
}

func NewUserHandler(store *UserStore) *UserHandler {
	return &UserHandler{Store: store, Validate: validator.New()}
}

// ListUsers handles GET /users.
func (h *UserHandler) ListUsers(c echo.Context) error {
	users := h.Store.List()
	return response.OK(c, map[string]any{"users": users, "count": len(users)}, "")
}

// CreateUser handles POST /users.
func (h *UserHandler) CreateUser(c echo.Context) error {
	var req userRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body", err.Error())
	}
	if err := h.Validate.Struct(req); err != nil {
		return response.Invalid(c, err)
	}
	return response.Created(c, h.Store.Create(req.Name, req.Email), "user created")
}

// GetUser handles GET /users/:id.
func (h *UserHandler) GetUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	u, err := h.Store.Get(id)
	if err != nil {
		return response.NotFound(c, "user not found", err.Error())
	}
	return response.OK(c, u, "")
}

// UpdateUser handles PUT /users/:id.
func (h *UserHandler) UpdateUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	var req userRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body", err.Error())
	}
	if err := h.Validate.Struct(req); err != nil {
		return response.Invalid(c, err)
	}
	u, err := h.Store.Update(id, req.Name, req.Email)
	if err != nil {
		return response.NotFound(c, "user not found", err.Error())
	}
	return response.OK(c, u, "user updated")
}

// DeleteUser handles DELETE /users/:id.
func (h *UserHandler) DeleteUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return response.BadRequest(c, "invalid id", err.Error())
	}
	if err := h.Store.Delete(id); err != nil {
		return response.NotFound(c, "user not found", err.Error())
	}
	return response.OK(c, map[string]string{"id": id.String()}, "user deleted")
}

// Fail handles GET /error. It returns a plain error so the error handler
// and the request log both see a 500.
func Fail(c echo.Context) error {
	return errors.New("simulated failure")
}
