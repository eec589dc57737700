package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/reviewroom/internal/auth"
	"github.com/manpreetbhatti/reviewroom/internal/db"
	"github.com/manpreetbhatti/reviewroom/internal/logging"
	"github.com/manpreetbhatti/reviewroom/internal/presence"
	"github.com/manpreetbhatti/reviewroom/internal/ws"
)

type API struct {
	server   *ws.Server
	presence presence.Store
	database *db.Database
	verifier ws.TokenVerifier
	logger   zerolog.Logger
}

func New(server *ws.Server, store presence.Store, database *db.Database, verifier ws.TokenVerifier, logger zerolog.Logger) *API {
	return &API{
		server:   server,
		presence: store,
		database: database,
		verifier: verifier,
		logger:   logging.Component(logger, "api"),
	}
}

// Register mounts every REST route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.HealthHandler)
	mux.HandleFunc("GET /api/stats", a.StatsHandler)
	mux.HandleFunc("GET /api/rooms", a.ListRoomsHandler)
	mux.HandleFunc("POST /api/rooms", a.CreateRoomHandler)
	mux.HandleFunc("GET /api/rooms/{code}", a.GetRoomHandler)
	mux.HandleFunc("DELETE /api/rooms/{code}", a.DeleteRoomHandler)
	mux.HandleFunc("PATCH /api/rooms/{code}/status", a.UpdateStatusHandler)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error().Err(err).Msg("Error encoding JSON response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// identity authenticates the request the same way the WebSocket endpoint does.
func (a *API) identity(r *http.Request) (auth.Identity, bool) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		return auth.Identity{}, false
	}
	id, err := a.verifier.Verify(token)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Rejected API token")
		return auth.Identity{}, false
	}
	return id, true
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	local := a.server.Registry().Stats()
	stats := map[string]any{
		"active_rooms":    local.Rooms,
		"active_clients":  local.Connections,
		"active_channels": a.server.Hub().ChannelCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats(r.Context())
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to read room stats")
	} else {
		stats["total_rooms"] = dbStats.TotalRooms
		stats["rooms_by_status"] = dbStats.RoomsByStatus
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	Code          string    `json:"roomCode"`
	Name          string    `json:"name,omitempty"`
	Description   string    `json:"description,omitempty"`
	OwnerID       int64     `json:"ownerId"`
	Status        db.Status `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	OnlineCount   int64     `json:"onlineCount"`
	OnlineUsers   []string  `json:"onlineUsers,omitempty"`
	LocalSessions int       `json:"localSessions"`
}

type CreateRoomRequest struct {
	Code        string `json:"roomCode,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

func roomResponse(room *db.Room) RoomResponse {
	return RoomResponse{
		Code:        room.Code,
		Name:        room.Name,
		Description: room.Description,
		OwnerID:     room.OwnerID,
		Status:      room.Status,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list rooms")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.server.Registry().ActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i := range rooms {
		response[i] = roomResponse(&rooms[i])
		response[i].OnlineCount = a.presence.MemberCount(r.Context(), rooms[i].Code)
		response[i].LocalSessions = activeRooms[rooms[i].Code]
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.identity(r)
	if !ok {
		a.errorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room name is required")
		return
	}

	var room *db.Room
	var err error
	if req.Code != "" {
		if !ws.ValidRoomCode(req.Code) {
			a.errorResponse(w, http.StatusBadRequest, "Invalid room code")
			return
		}
		room, err = a.database.CreateRoom(r.Context(), req.Code, req.Name, req.Description, owner.UserID)
	} else {
		room, err = a.database.CreateRoomWithGeneratedCode(r.Context(), req.Name, req.Description, owner.UserID)
	}
	if errors.Is(err, db.ErrRoomExists) {
		a.errorResponse(w, http.StatusConflict, "Room already exists")
		return
	}
	if err != nil || room == nil {
		a.logger.Error().Err(err).Msg("Failed to create room")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	a.logger.Info().Str("room", room.Code).Int64("user_id", owner.UserID).Msg("Room created")
	a.jsonResponse(w, http.StatusCreated, roomResponse(room))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	room, err := a.database.GetRoom(r.Context(), code)
	if err != nil {
		a.logger.Error().Err(err).Str("room", code).Msg("Failed to get room")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	if room == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	members := a.presence.ListMembers(r.Context(), code)
	online := make([]string, 0, len(members))
	for _, id := range members {
		online = append(online, strconv.FormatInt(id, 10))
	}

	response := roomResponse(room)
	response.OnlineCount = int64(len(members))
	response.OnlineUsers = online
	response.LocalSessions = a.server.Registry().Count(code)
	a.jsonResponse(w, http.StatusOK, response)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	deleted, err := a.database.DeleteRoom(r.Context(), code)
	if err != nil {
		a.logger.Error().Err(err).Str("room", code).Msg("Failed to delete room")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}
	if !deleted {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

func (a *API) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.identity(r)
	if !ok {
		a.errorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	code := r.PathValue("code")

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	target, ok := db.ParseStatus(req.Status)
	if !ok {
		a.errorResponse(w, http.StatusBadRequest, "Unknown status")
		return
	}

	room, err := a.database.GetRoom(r.Context(), code)
	if err != nil {
		a.logger.Error().Err(err).Str("room", code).Msg("Failed to get room")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	if room.OwnerID != user.UserID {
		a.errorResponse(w, http.StatusForbidden, "Only the room owner can change its status")
		return
	}

	room, err = a.database.UpdateStatus(r.Context(), code, target)
	if errors.Is(err, db.ErrInvalidTransition) {
		a.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil || room == nil {
		a.logger.Error().Err(err).Str("room", code).Msg("Failed to update room status")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to update room status")
		return
	}

	a.logger.Info().Str("room", code).Str("status", string(room.Status)).Msg("Room status changed")
	a.jsonResponse(w, http.StatusOK, roomResponse(room))
}
