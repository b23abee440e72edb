package rest_api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/flashsale"
)

type productRequest struct {
	ID          string `json:"id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Price       int64  `json:"price" binding:"required"`
	Stock       int64  `json:"stock" binding:"required"`
}

// PostProduct godoc
// @Summary Create a product
// @Schemes
// @Description Creates the durable product record and seeds its counter on the coordination nodes.
// @Tags Products
// @Accept json
// @Produce json
// @Param product body productRequest true "Product to create"
// @Failure 400 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Success 201 {object} flashsale.Product
// @Router /products [post]
// @Security Bearer
func (api *Api) PostProduct(c *gin.Context) {
	var req productRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.Stock < 0 {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "stock can't be negative"})
		return
	}

	p := &flashsale.Product{
		ID:           req.ID,
		Name:         req.Name,
		Description:  req.Description,
		Price:        req.Price,
		InitialStock: req.Stock,
		Stock:        req.Stock,
		CreatedAt:    time.Now(),
	}
	ctx := c.Request.Context()
	if err := api.Repo.AddProduct(ctx, p); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	// Mirror the durable stock onto the coordination nodes.
	if err := api.Coordinator.Stock().Seed(ctx, p.ID, p.Stock); err != nil {
		c.IndentedJSON(httpStatusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusCreated, p)
}

// GetProductStock godoc
// @Summary Product stock
// @Schemes
// @Description Returns the durable stock and the admission-cache stock side by side.
// @Tags Products
// @Produce json
// @Param id path string true "Product ID"
// @Failure 404 {object} map[string]any
// @Success 200 {object} map[string]any
// @Router /products/{id}/stock [get]
// @Security Bearer
func (api *Api) GetProductStock(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	p, err := api.Repo.GetProduct(ctx, id)
	if err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if p == nil {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": "product not found"})
		return
	}

	found, cached, err := api.Coordinator.Stock().Get(ctx, id)
	resp := gin.H{
		"product_id":    id,
		"durable_stock": p.Stock,
	}
	if err == nil && found {
		resp["cache_stock"] = cached
	}
	c.IndentedJSON(http.StatusOK, resp)
}
