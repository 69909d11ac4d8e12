package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront-lab/orders/internal/platform/auth"
	"github.com/storefront-lab/orders/internal/platform/httpx"
	"github.com/storefront-lab/orders/internal/services"
)

// MaxOrderBodySize caps the create-order request body.
const MaxOrderBodySize = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

type orderItemRequest struct {
	ProductID   string   `json:"product_id"`
	Name        string   `json:"name"`
	ProductName string   `json:"product_name"`
	Price       *float64 `json:"price"`
	Quantity    int      `json:"quantity"`
}

type createOrderRequest struct {
	UserID     string             `json:"user_id"`
	Items      []orderItemRequest `json:"items"`
	Total      *float64           `json:"total"`
	TotalPrice *float64           `json:"total_price"`
}

// Name and Total are mirrored under the keys the user service reads.
type orderItemPayload struct {
	ProductID   string  `json:"product_id"`
	Name        string  `json:"name"`
	ProductName string  `json:"product_name"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
}

type orderPayload struct {
	ID                string             `json:"id"`
	UserID            string             `json:"user_id"`
	Items             []orderItemPayload `json:"items"`
	Total             float64            `json:"total"`
	TotalPrice        float64            `json:"total_price"`
	Status            string             `json:"status"`
	CreatedAt         string             `json:"created_at"`
	UpdatedAt         string             `json:"updated_at,omitempty"`
	EstimatedDelivery *string            `json:"estimated_delivery"`
}

type orderMutationResponse struct {
	Message string       `json:"message"`
	Order   orderPayload `json:"order"`
}

type orderStatusesResponse struct {
	Statuses map[string]string `json:"statuses"`
}

// OrderHandlers exposes the /orders endpoints.
type OrderHandlers struct {
	orders         services.OrderService
	createHandlers []func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithCreateMiddlewares wraps only POST /orders/, e.g. with idempotency replay.
func WithCreateMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.createHandlers = append(h.createHandlers, mw...)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.createHandlers = slices.DeleteFunc(h.createHandlers, func(mw func(http.Handler) http.Handler) bool {
		return mw == nil
	})
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.createHandlers...).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/statuses/list", h.listStatuses)
	r.Get("/{orderID}", h.getOrder)
	r.Delete("/{orderID}", h.deleteOrder)
	r.Put("/{orderID}/status", h.setStatus)
	r.Put("/{orderID}/cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, MaxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be a valid order payload", http.StatusBadRequest))
		return
	}

	items := make([]services.OrderItem, 0, len(req.Items))
	for i, item := range req.Items {
		if item.Price == nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "items["+strconv.Itoa(i)+"].price is required", http.StatusBadRequest))
			return
		}
		name := item.Name
		if strings.TrimSpace(name) == "" {
			name = item.ProductName
		}
		items = append(items, services.OrderItem{
			ProductID: item.ProductID,
			Name:      name,
			UnitPrice: *item.Price,
			Quantity:  item.Quantity,
		})
	}
	total := req.Total
	if total == nil {
		total = req.TotalPrice
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		Actor:   actor,
		OwnerID: req.UserID,
		Items:   items,
		Total:   total,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	skip, err := parseIntParam(query.Get("skip"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "skip must be an integer", http.StatusBadRequest))
		return
	}
	limit, err := parseIntParam(query.Get("limit"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
		return
	}

	orders, err := h.orders.ListOrders(ctx, services.ListOrdersFilter{Actor: actor, Skip: skip, Limit: limit})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		payload = append(payload, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"), actor)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.SetStatus(ctx, services.SetStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  r.URL.Query().Get("status"),
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderMutationResponse{
		Message: "Order status updated to " + string(order.Status),
		Order:   buildOrderPayload(order),
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(ctx, chi.URLParam(r, "orderID"), actor)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderMutationResponse{
		Message: "Order cancelled",
		Order:   buildOrderPayload(order),
	})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	if err := h.orders.DeleteOrder(ctx, chi.URLParam(r, "orderID"), actor); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) listStatuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w)
		return
	}

	labels, err := h.orders.ListStatuses(ctx, r.Header.Get("Accept-Language"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if labels.Locale != "" {
		w.Header().Set("Content-Language", labels.Locale)
	}
	writeJSONResponse(w, http.StatusOK, orderStatusesResponse{Statuses: labels.Labels})
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:   item.ProductID,
			Name:        item.Name,
			ProductName: item.Name,
			Price:       item.UnitPrice,
			Quantity:    item.Quantity,
		})
	}
	payload := orderPayload{
		ID:         order.ID,
		UserID:     order.UserID,
		Items:      items,
		Total:      order.Total,
		TotalPrice: order.Total,
		Status:     string(order.Status),
		CreatedAt:  formatTime(order.CreatedAt),
		UpdatedAt:  formatTime(order.UpdatedAt),
	}
	if order.EstimatedDelivery != nil {
		eta := formatTime(*order.EstimatedDelivery)
		payload.EstimatedDelivery = &eta
	}
	return payload
}

// requireActor maps the resolved identity onto a service actor, answering 401 for anonymous callers.
func requireActor(ctx context.Context, w http.ResponseWriter) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.IsAnonymous() {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return services.Actor{
		UserID: strings.TrimSpace(identity.UserID),
		Admin:  identity.IsAdmin(),
	}, true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderUnauthenticated):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidStatus):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "Order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "Access denied", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_store_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("request_cancelled", "request cancelled", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func parseIntParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
