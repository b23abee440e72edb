package rest_api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/flashsale"
	"github.com/sharedcode/flashsale/inventory"
)

// Api bundles the collaborators the REST handlers need.
type Api struct {
	Coordinator *inventory.Coordinator
	Repo        flashsale.Repository
}

func NewApi(coordinator *inventory.Coordinator, repo flashsale.Repository) *Api {
	return &Api{
		Coordinator: coordinator,
		Repo:        repo,
	}
}

func userOf(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// httpStatusOf maps the engine error taxonomy onto HTTP statuses.
func httpStatusOf(err error) int {
	var e flashsale.Error[string]
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case flashsale.NotFound:
		return http.StatusNotFound
	case flashsale.InsufficientStock:
		return http.StatusBadRequest
	case flashsale.Busy:
		return http.StatusConflict
	case flashsale.NotEligible:
		return http.StatusForbidden
	case flashsale.Inconsistent, flashsale.Unavailable:
		return http.StatusServiceUnavailable
	case flashsale.Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type purchaseRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required"`
}

// PostPurchase godoc
// @Summary Purchase a product
// @Schemes
// @Description Reserves stock for the authenticated buyer and records the purchase.
// @Tags Purchases
// @Accept json
// @Produce json
// @Param purchase body purchaseRequest true "Purchase to make"
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Success 201 {object} flashsale.Purchase
// @Router /purchases [post]
// @Security Bearer
func (api *Api) PostPurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	purchase, err := api.Coordinator.Reserve(c.Request.Context(), req.ProductID, req.Quantity, userOf(c))
	if err != nil {
		c.IndentedJSON(httpStatusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusCreated, purchase)
}

type bundleRequest struct {
	Items []inventory.BundleItem `json:"items" binding:"required"`
}

// PostBundlePurchase godoc
// @Summary Purchase a bundle of products
// @Schemes
// @Description Reserves stock for several products under canonically ordered locks.
// @Tags Purchases
// @Accept json
// @Produce json
// @Param bundle body bundleRequest true "Bundle to purchase"
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Success 201 {object} []flashsale.Purchase
// @Router /purchases/bundle [post]
// @Security Bearer
func (api *Api) PostBundlePurchase(c *gin.Context) {
	var req bundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	purchases, err := api.Coordinator.ReserveMany(c.Request.Context(), userOf(c), req.Items)
	if err != nil {
		c.IndentedJSON(httpStatusOf(err), gin.H{"message": err.Error(), "fulfilled": purchases})
		return
	}
	c.IndentedJSON(http.StatusCreated, purchases)
}

// GetStats godoc
// @Summary Engine outcome counters
// @Schemes
// @Description Returns the coordinator's outcome counters since process start.
// @Tags Stats
// @Produce json
// @Success 200 {object} inventory.Snapshot
// @Router /stats [get]
// @Security Bearer
func (api *Api) GetStats(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, api.Coordinator.Stats())
}
