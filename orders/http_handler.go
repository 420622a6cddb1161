package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/timour/orderflow/common/api"
)

// pinger is the slice of the store the health endpoint needs.
type pinger interface {
	Ping(ctx context.Context) error
}

type handler struct {
	service   *service
	store     pinger
	inventory api.InventoryServiceClient
	channel   *amqp.Channel
	logger    *slog.Logger
}

func NewHandler(svc *service, store pinger, inventory api.InventoryServiceClient, ch *amqp.Channel, logger *slog.Logger) *handler {
	return &handler{
		service:   svc,
		store:     store,
		inventory: inventory,
		channel:   ch,
		logger:    logger,
	}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", h.handleCreateOrder)
	mux.HandleFunc("GET /orders", h.handleListOrders)
	mux.HandleFunc("GET /orders/{orderID}", h.handleGetOrder)
	mux.HandleFunc("POST /orders/{orderID}/cancel", h.handleCancelOrder)
	mux.HandleFunc("GET /products", h.handleListProducts)
	mux.HandleFunc("GET /products/{productID}/stock", h.handleGetStock)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// orderResponse wraps an order with flags that only make sense at the HTTP
// boundary.
type orderResponse struct {
	*Order
	Cached bool `json:"cached,omitempty"`
}

func (h *handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// The header wins over the body field when both are set.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	order, outcome, err := h.service.CreateOrder(r.Context(), req)

	var verr *ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}

	switch outcome {
	case OutcomeConfirmed:
		writeJSON(w, http.StatusCreated, orderResponse{Order: order})
	case OutcomeFailed:
		// A domain rejection still persisted the failed order; return it so
		// the client sees the reason.
		writeJSON(w, http.StatusBadRequest, orderResponse{Order: order})
	case OutcomePendingVerification:
		writeJSON(w, http.StatusAccepted, orderResponse{Order: order})
	case OutcomeCached:
		writeJSON(w, http.StatusOK, orderResponse{Order: order, Cached: true})
	default:
		h.logger.Error("create order failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to create order")
	}
}

func (h *handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")

	order, err := h.service.GetOrder(r.Context(), orderID)
	if errors.Is(err, ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.Error("get order failed", slog.String("order_id", orderID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	orders, err := h.service.ListOrders(r.Context(), status, limit)

	var verr *ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	if err != nil {
		h.logger.Error("list orders failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	if orders == nil {
		orders = []*Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")

	order, err := h.service.CancelOrder(r.Context(), orderID)
	if errors.Is(err, ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if errors.Is(err, ErrNotCancellable) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "order cannot be cancelled",
			"order": order,
		})
		return
	}
	if err != nil {
		h.logger.Error("cancel order failed", slog.String("order_id", orderID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// handleListProducts proxies the custodian's product catalog so browsers only
// talk to the coordinator.
func (h *handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reserveTimeout)
	defer cancel()

	resp, err := h.inventory.ListProducts(ctx, &api.ListProductsRequest{})
	if err != nil {
		h.logger.Error("list products failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "inventory unavailable")
		return
	}

	products := make([]map[string]interface{}, 0, len(resp.Products))
	for _, p := range resp.Products {
		products = append(products, map[string]interface{}{
			"productId":         p.ProductID,
			"name":              p.Name,
			"stock":             p.Stock,
			"lowStockThreshold": p.LowStockThreshold,
		})
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *handler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productID")

	ctx, cancel := context.WithTimeout(r.Context(), reserveTimeout)
	defer cancel()

	resp, err := h.inventory.CheckStock(ctx, &api.CheckStockRequest{ProductID: productID})
	if err != nil {
		h.logger.Error("check stock failed", slog.String("product_id", productID), slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "inventory unavailable")
		return
	}
	if !resp.Found {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"productId":         resp.ProductID,
		"name":              resp.Name,
		"stock":             resp.Stock,
		"lowStockThreshold": resp.LowStockThreshold,
	})
}

// handleHealth reports only this service's own dependencies: its database and
// its broker channel. The custodian's health is deliberately not consulted;
// the coordinator stays available while reservations degrade to verification.
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{
		"database": "ok",
		"broker":   "ok",
	}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if h.channel == nil || h.channel.IsClosed() {
		checks["broker"] = "channel closed"
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy": healthy,
		"checks":  checks,
	})
}
