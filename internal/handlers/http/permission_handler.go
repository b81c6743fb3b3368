package http

import (
	"net/http"
	"strconv"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
	"tripsync/internal/infrastructure/middleware"
	"tripsync/internal/infrastructure/realtime"
	"tripsync/pkg/errors"
	"tripsync/pkg/validation"

	"github.com/gin-gonic/gin"
)

// PermissionHandler exposes the permission engine over HTTP. Every
// mutation goes through the permission service; handlers never touch a
// resource's permission list directly.
type PermissionHandler struct {
	permissions ports.PermissionService
	resources   ports.ResourceRepository
	server      *realtime.WebSocketServer
}

func NewPermissionHandler(
	permissions ports.PermissionService,
	resources ports.ResourceRepository,
	server *realtime.WebSocketServer,
) *PermissionHandler {
	return &PermissionHandler{
		permissions: permissions,
		resources:   resources,
		server:      server,
	}
}

func (h *PermissionHandler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	api := router.Group("/api/v1/resources", auth)
	{
		api.POST("", h.CreateResource)
		api.GET("/:type/:id",
			middleware.RequireAction(h.permissions, h.resources, domain.ActionView),
			h.GetResource)

		manage := middleware.RequireAction(h.permissions, h.resources, domain.ActionManagePermissions)
		api.POST("/:type/:id/permissions", manage, h.AddPermission)
		api.PUT("/:type/:id/permissions", manage, h.UpdatePermission)
		api.DELETE("/:type/:id/permissions", manage, h.RemovePermission)
		api.POST("/:type/:id/transfer", manage, h.TransferOwnership)
		api.GET("/:type/:id/audit", manage, h.GetAuditLog)
	}
	router.POST("/api/v1/rollback", auth, h.Rollback)
}

type CreateResourceRequest struct {
	ID         string            `json:"id" binding:"required,max=100"`
	Type       string            `json:"type" binding:"required"`
	Name       string            `json:"name" binding:"required,max=200"`
	Visibility domain.Visibility `json:"visibility"`
}

type PermissionRequest struct {
	EntityID   string      `json:"entity_id" binding:"required,max=100"`
	EntityType string      `json:"entity_type" binding:"required"`
	Role       domain.Role `json:"role"`
	Reason     string      `json:"reason"`
}

type TransferRequest struct {
	NewOwnerID string `json:"new_owner_id" binding:"required,max=100"`
	Reason     string `json:"reason"`
}

type RollbackRequest struct {
	RollbackToken string `json:"rollback_token" binding:"required,max=100"`
	Reason        string `json:"reason"`
}

func (h *PermissionHandler) CreateResource(c *gin.Context) {
	var req CreateResourceRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	if err := validation.ValidateID(req.ID, "resource id"); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}
	if err := validation.ValidateResourceName(req.Name); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}
	resourceType := domain.ResourceType(req.Type)
	if !resourceType.IsValid() {
		c.Error(errors.NewValidationError("unknown resource type"))
		return
	}

	userID := currentUser(c)
	resource := &domain.Resource{
		ID:         domain.ResourceID(req.ID),
		Type:       resourceType,
		Name:       req.Name,
		OwnerID:    userID,
		Visibility: req.Visibility,
		Permissions: []domain.Permission{{
			EntityID:   string(userID),
			EntityType: domain.EntityUser,
			Role:       domain.RoleOwner,
			GrantedAt:  time.Now(),
			GrantedBy:  userID,
		}},
		CreatedAt: time.Now(),
	}
	if err := h.resources.Create(c.Request.Context(), resource); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeConflict, "resource already exists", http.StatusConflict))
		return
	}

	c.JSON(http.StatusCreated, resource)
}

func (h *PermissionHandler) GetResource(c *gin.Context) {
	c.JSON(http.StatusOK, loadedResource(c))
}

func (h *PermissionHandler) AddPermission(c *gin.Context) {
	req, ok := bindPermissionRequest(c)
	if !ok {
		return
	}
	resource := loadedResource(c)

	entry, err := h.permissions.AddPermission(c.Request.Context(), resource, domain.Permission{
		EntityID:   req.EntityID,
		EntityType: domain.EntityType(req.EntityType),
		Role:       req.Role,
	}, currentUser(c), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	h.notifyPermissionChange(resource, entry)
	c.JSON(http.StatusCreated, entry)
}

func (h *PermissionHandler) UpdatePermission(c *gin.Context) {
	req, ok := bindPermissionRequest(c)
	if !ok {
		return
	}
	resource := loadedResource(c)

	entry, err := h.permissions.UpdatePermission(c.Request.Context(), resource, domain.Permission{
		EntityID:   req.EntityID,
		EntityType: domain.EntityType(req.EntityType),
		Role:       req.Role,
	}, currentUser(c), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	h.notifyPermissionChange(resource, entry)
	c.JSON(http.StatusOK, entry)
}

func (h *PermissionHandler) RemovePermission(c *gin.Context) {
	req, ok := bindPermissionRequest(c)
	if !ok {
		return
	}
	resource := loadedResource(c)

	entry, err := h.permissions.RemovePermission(c.Request.Context(), resource,
		req.EntityID, domain.EntityType(req.EntityType), currentUser(c), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	h.notifyPermissionChange(resource, entry)
	c.JSON(http.StatusOK, entry)
}

func (h *PermissionHandler) TransferOwnership(c *gin.Context) {
	var req TransferRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	if err := validation.ValidateID(req.NewOwnerID, "new owner id"); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}
	if err := validation.ValidateReason(req.Reason); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}
	resource := loadedResource(c)

	entry, err := h.permissions.TransferOwnership(c.Request.Context(), resource,
		resource.OwnerID, domain.UserID(req.NewOwnerID), currentUser(c), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	h.notifyPermissionChange(resource, entry)
	c.JSON(http.StatusOK, entry)
}

func (h *PermissionHandler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	if err := validation.ValidateReason(req.Reason); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}

	entry, err := h.permissions.RollbackChange(c.Request.Context(), req.RollbackToken, currentUser(c), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (h *PermissionHandler) GetAuditLog(c *gin.Context) {
	resource := loadedResource(c)

	filter := domain.AuditFilter{
		ActorID: domain.UserID(c.Query("actor_id")),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.Error(errors.NewValidationError("from must be RFC3339"))
			return
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.Error(errors.NewValidationError("to must be RFC3339"))
			return
		}
		filter.To = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.Error(errors.NewValidationError("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	entries, err := h.permissions.GetAuditLog(c.Request.Context(), resource.Type, resource.ID, filter)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// notifyPermissionChange pushes a change notice into the resource's room
// so connected editors refresh their access state.
func (h *PermissionHandler) notifyPermissionChange(resource *domain.Resource, entry *domain.AuditEntry) {
	if h.server == nil {
		return
	}
	var kind domain.RoomKind
	switch resource.Type {
	case domain.ResourceExperience:
		kind = domain.RoomExperience
	case domain.ResourcePlan:
		kind = domain.RoomPlan
	default:
		return
	}
	h.server.BroadcastEvent(kind, resource.ID, gin.H{
		"type": "permissions:changed",
		"payload": gin.H{
			"resourceId":   resource.ID,
			"resourceType": resource.Type,
			"action":       entry.Action,
			"actorId":      entry.ActorID,
			"timestamp":    time.Now().UnixMilli(),
		},
	}, "")
}

func bindPermissionRequest(c *gin.Context) (*PermissionRequest, bool) {
	var req PermissionRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return nil, false
	}
	if err := validation.ValidateID(req.EntityID, "entity id"); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return nil, false
	}
	if !domain.EntityType(req.EntityType).IsValid() {
		c.Error(errors.NewValidationError("unknown entity type"))
		return nil, false
	}
	if err := validation.ValidateReason(req.Reason); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return nil, false
	}
	return &req, true
}

// currentUser returns the authenticated user id placed by the auth
// middleware. Routes using this are always behind AuthMiddleware.
func currentUser(c *gin.Context) domain.UserID {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(domain.UserID); ok {
			return id
		}
	}
	return ""
}

// loadedResource returns the resource loaded by RequireAction.
func loadedResource(c *gin.Context) *domain.Resource {
	v, _ := c.Get("resource")
	resource, _ := v.(*domain.Resource)
	return resource
}
