package api

import (
	"encoding/json"
	"net/http"

	"tawk/internal/models"
	"tawk/internal/store"
)

// HandleUsers lists every user the caller could befriend: everyone except
// the caller and their current friends.
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	me, ok := currentUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	remaining := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID == me.ID || me.HasFriend(u.ID) {
			continue
		}
		remaining = append(remaining, u)
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: remaining, Message: "Users found successfully!"})
}

func (h *Handlers) HandleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	me, ok := currentUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	requests, err := h.store.ListIncomingRequests(r.Context(), me.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if requests == nil {
		requests = []models.FriendRequestView{}
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: requests, Message: "Requests found successfully!"})
}

func (h *Handlers) HandleFriends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	me, ok := currentUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	friends, err := h.store.ListFriends(r.Context(), me.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if friends == nil {
		friends = []models.Participant{}
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: friends, Message: "Friends found successfully!"})
}

// HandleUpdateMe applies a partial profile update. Empty fields are left
// unchanged.
func (h *Handlers) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	me, ok := currentUser(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var update models.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.writeError(w, r, store.Invalid("invalid request body"))
		return
	}

	user, err := h.store.UpdateProfile(r.Context(), me.ID, update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: user, Message: "Profile updated successfully!"})
}
