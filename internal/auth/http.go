package auth

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/parley/chat-relay/internal/identity"
)

// EnrollFunc enrolls a freshly registered identity into its initial room
// set (the forced-membership rooms). Provided by the relay hub so the auth
// package does not depend on the room store directly.
type EnrollFunc func(ctx context.Context, identity string) error

// Handlers serves /register and /login.
type Handlers struct {
	ids    *identity.Store
	tokens *Tokens
	enroll EnrollFunc
}

// NewHandlers creates the credential HTTP handlers.
func NewHandlers(ids *identity.Store, tokens *Tokens, enroll EnrollFunc) *Handlers {
	return &Handlers{ids: ids, tokens: tokens, enroll: enroll}
}

type credentials struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register handles POST /register: creates the identity and enrolls it in
// every forced-membership room.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	user, err := h.ids.Register(ctx, creds.Name, creds.Password)
	if err != nil {
		http.Error(w, "registration failed", http.StatusBadRequest)
		return
	}

	if h.enroll != nil {
		if err := h.enroll(ctx, user.Name); err != nil {
			log.Printf("auth: forced enrollment for %s: %v", user.Name, err)
			http.Error(w, "registration error", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// Login handles POST /login: verifies the credential and issues a bearer
// token to present at WebSocket upgrade time.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.ids.Authenticate(ctx, creds.Name, creds.Password); err != nil {
		http.Error(w, "incorrect credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.tokens.Issue(ctx, identity.Normalize(creds.Name))
	if err != nil {
		log.Printf("auth: token issue for %s: %v", creds.Name, err)
		http.Error(w, "login error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: token})
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return credentials{}, false
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "missing credentials", http.StatusBadRequest)
		return credentials{}, false
	}
	if creds.Name == "" || creds.Password == "" {
		http.Error(w, "missing credentials", http.StatusBadRequest)
		return credentials{}, false
	}
	return creds, true
}
