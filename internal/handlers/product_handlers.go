package handlers

import (
	"net/http"

	"stockledger/internal/common"
	"stockledger/internal/models"
	"stockledger/internal/repositories"
	"stockledger/internal/services"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ProductHandlers handles catalog registration and lookups.
type ProductHandlers struct {
	ledger   services.LedgerService
	products repositories.ProductRepository
}

func NewProductHandlers(ledger services.LedgerService, products repositories.ProductRepository) *ProductHandlers {
	return &ProductHandlers{ledger: ledger, products: products}
}

type RegisterProductRequest struct {
	SKU             string     `json:"sku"`
	Barcode         *string    `json:"barcode,omitempty"`
	Name            string     `json:"name"`
	CategoryID      *uuid.UUID `json:"category_id,omitempty"`
	Location        *string    `json:"location,omitempty"`
	ReorderLevel    int        `json:"reorder_level"`
	CostPrice       *float64   `json:"cost_price,omitempty"`
	BasePrice       float64    `json:"base_price"`
	InitialQuantity int        `json:"initial_quantity"`
}

// RegisterProduct creates a product and records its opening stock as an
// initial adjustment.
// @Summary Register a product
// @Tags products
// @Accept json
// @Produce json
// @Param product body RegisterProductRequest true "Product"
// @Success 201 {object} models.Product
// @Router /v1/products [post]
func (h *ProductHandlers) RegisterProduct(c echo.Context) error {
	actor, ok := requireActor(c)
	if !ok {
		return nil
	}
	var req RegisterProductRequest
	if err := bindJSON(c, &req); err != nil {
		return common.SendError(c, err)
	}

	product := &models.Product{
		SKU:          req.SKU,
		Barcode:      req.Barcode,
		Name:         req.Name,
		CategoryID:   req.CategoryID,
		Location:     req.Location,
		ReorderLevel: req.ReorderLevel,
		CostPrice:    req.CostPrice,
		BasePrice:    req.BasePrice,
	}
	created, err := h.ledger.RegisterProduct(c.Request().Context(), product, req.InitialQuantity, actor)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *ProductHandlers) GetProduct(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return common.SendError(c, err)
	}
	product, err := h.products.GetByID(c.Request().Context(), id)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, product)
}

func (h *ProductHandlers) ListProducts(c echo.Context) error {
	limit, offset, err := queryPagination(c)
	if err != nil {
		return common.SendError(c, err)
	}
	products, err := h.products.List(c.Request().Context(), limit, offset)
	if err != nil {
		return common.SendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"products": products,
		"limit":    limit,
		"offset":   offset,
	})
}
