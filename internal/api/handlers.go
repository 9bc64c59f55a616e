// Package api wires up the Gin HTTP router over a running mesh node. The
// HTTP surface is an operator convenience: the replication protocol itself
// runs entirely over UDP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshkv/internal/cluster"
)

// Handler holds the node injected from main.
type Handler struct {
	node *cluster.Node
}

// NewHandler creates a Handler.
func NewHandler(n *cluster.Node) *Handler {
	return &Handler{node: n}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	kv := r.Group("/kv")
	kv.GET("", h.List)
	kv.GET("/:key", h.Get)
	kv.PUT("/:key", h.Set)
	kv.DELETE("/:key", h.Delete)

	r.GET("/status", h.Status)
	r.GET("/peers", h.Peers)
	r.POST("/peers", h.AddPeer)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ─── KV handlers ──────────────────────────────────────────────────────────────

// Set handles PUT /kv/:key
// Body: {"value": <any JSON value>}
func (h *Handler) Set(c *gin.Context) {
	key := c.Param("key")

	var body struct {
		Value any `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.node.Set(key, body.Value)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

// Get handles GET /kv/:key
func (h *Handler) Get(c *gin.Context) {
	key := c.Param("key")

	value, ok := h.node.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

// Delete handles DELETE /kv/:key
// Deleting an absent key still succeeds: the tombstone must replicate.
func (h *Handler) Delete(c *gin.Context) {
	key := c.Param("key")
	h.node.Delete(key)
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

// List handles GET /kv
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.node.List()})
}

// ─── Mesh handlers ────────────────────────────────────────────────────────────

// Status handles GET /status
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Status())
}

// Peers handles GET /peers
func (h *Handler) Peers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.node.Peers()})
}

// AddPeer handles POST /peers
// Body: {"host": "10.0.0.2", "port": 5001}
func (h *Handler) AddPeer(c *gin.Context) {
	var body struct {
		Host string `json:"host" binding:"required"`
		Port int    `json:"port" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.node.AddBootstrapPeer(body.Host, body.Port); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": body})
}
