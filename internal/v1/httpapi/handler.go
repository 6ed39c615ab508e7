// Package httpapi exposes thin REST wrappers over the lifecycle coordinator
// for clients that manage rooms outside a live WebSocket connection.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/coordinator"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// Handler carries the coordinator into the gin routes.
type Handler struct {
	coord *coordinator.Coordinator
}

func NewHandler(coord *coordinator.Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes mounts the room API under the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rooms := rg.Group("/rooms")
	rooms.GET("", h.listRooms)
	rooms.POST("", h.createRoom)
	rooms.POST("/:roomId/leave", h.leaveRoom)
}

type createRoomRequest struct {
	Name      string `json:"name" binding:"required"`
	Username  string `json:"username" binding:"required"`
	UserId    string `json:"userId" binding:"required"`
	IsPrivate bool   `json:"isPrivate"`
	IsHidden  bool   `json:"isHidden"`
}

// createRoom runs the same operation the create_room event does, with no
// subscriber handle; the caller gets the snapshots in the response body.
func (h *Handler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, username and userId are required"})
		return
	}

	state, owner, err := h.coord.CreateRoom(nil, types.CreateRoomPayload{
		Name:      req.Name,
		Username:  req.Username,
		UserId:    types.UserIdType(req.UserId),
		IsPrivate: req.IsPrivate,
		IsHidden:  req.IsHidden,
	})
	if err != nil {
		logging.Error(c.Request.Context(), "Room creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": state, "user": owner})
}

// listRooms returns lobby summaries for every non-hidden room.
func (h *Handler) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.coord.ListRooms()})
}

type leaveRoomRequest struct {
	UserId string `json:"userId" binding:"required"`
}

// leaveRoom is the explicit, intentional leave. 404 covers both an unknown
// room and a user who is not in it.
func (h *Handler) leaveRoom(c *gin.Context) {
	roomId := types.RoomIdType(c.Param("roomId"))

	var req leaveRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	if !h.coord.LeaveRoomByUser(roomId, types.UserIdType(req.UserId)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room or member not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left room"})
}
