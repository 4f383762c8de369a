package metadata

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
)

// ManagementHandler serves the relying-party registration API. Writes go
// through the store and evict the resolver's cache entry so profile requests
// never validate against a replaced registration.
type ManagementHandler struct {
	store    *Store
	resolver *Resolver
	logger   *zap.Logger
}

// NewManagementHandler creates a relying-party management handler
func NewManagementHandler(store *Store, resolver *Resolver, logger *zap.Logger) *ManagementHandler {
	return &ManagementHandler{
		store:    store,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "metadata_api")),
	}
}

// RegisterRoutes mounts the management API on the router
func (h *ManagementHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1/relying-parties")
	api.GET("", h.List)
	api.POST("", h.Create)
	api.GET("/:id", h.Get)
	api.PUT("/:id", h.Update)
	api.DELETE("/:id", h.Delete)
}

// List handles GET /api/v1/relying-parties
func (h *ManagementHandler) List(c *gin.Context) {
	parties, err := h.store.List(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relying_parties": parties, "total": len(parties)})
}

// Get handles GET /api/v1/relying-parties/:id
func (h *ManagementHandler) Get(c *gin.Context) {
	rp, err := h.store.FetchByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rp)
}

// Create handles POST /api/v1/relying-parties
func (h *ManagementHandler) Create(c *gin.Context) {
	var rp RelyingParty
	if err := c.ShouldBindJSON(&rp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if rp.Name == "" || rp.EntityID == "" || rp.ACSURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, entity_id and acs_url are required"})
		return
	}

	rp.ID = uuid.NewString()
	if err := h.store.Create(c.Request.Context(), &rp); err != nil {
		h.renderError(c, err)
		return
	}

	h.logger.Info("Relying party registered",
		zap.String("id", rp.ID), zap.String("entity_id", rp.EntityID))
	c.JSON(http.StatusCreated, rp)
}

// Update handles PUT /api/v1/relying-parties/:id
func (h *ManagementHandler) Update(c *gin.Context) {
	existing, err := h.store.FetchByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	var rp RelyingParty
	if err := c.ShouldBindJSON(&rp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	rp.ID = existing.ID

	if err := h.store.Update(c.Request.Context(), &rp); err != nil {
		h.renderError(c, err)
		return
	}

	// Evict the old entity ID too in case the registration was re-keyed
	h.resolver.Invalidate(existing.EntityID)
	h.resolver.Invalidate(rp.EntityID)

	h.logger.Info("Relying party updated",
		zap.String("id", rp.ID), zap.String("entity_id", rp.EntityID))
	c.JSON(http.StatusOK, rp)
}

// Delete handles DELETE /api/v1/relying-parties/:id
func (h *ManagementHandler) Delete(c *gin.Context) {
	existing, err := h.store.FetchByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	if err := h.store.Delete(c.Request.Context(), existing.ID); err != nil {
		h.renderError(c, err)
		return
	}
	h.resolver.Invalidate(existing.EntityID)

	h.logger.Info("Relying party deleted",
		zap.String("id", existing.ID), zap.String("entity_id", existing.EntityID))
	c.JSON(http.StatusOK, gin.H{"message": "Relying party deleted"})
}

func (h *ManagementHandler) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Internal error"

	switch apperrors.CodeOf(err) {
	case apperrors.ErrMetadataNotFound:
		status = http.StatusNotFound
		message = "Relying party not found"
	case apperrors.ErrMetadataUnavailable:
		status = http.StatusServiceUnavailable
		message = "Registration store unavailable"
		h.logger.Error("Registration store unavailable", zap.Error(err))
	default:
		h.logger.Error("Management request failed", zap.Error(err))
	}

	c.JSON(status, gin.H{"error": message})
}
