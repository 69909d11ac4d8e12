package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront-lab/orders/internal/domain"
	"github.com/storefront-lab/orders/internal/platform/auth"
	"github.com/storefront-lab/orders/internal/platform/idempotency"
	"github.com/storefront-lab/orders/internal/services"
)

type stubOrderService struct {
	createFn   func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn      func(context.Context, string, services.Actor) (services.Order, error)
	listFn     func(context.Context, services.ListOrdersFilter) ([]services.Order, error)
	setFn      func(context.Context, services.SetStatusCommand) (services.Order, error)
	cancelFn   func(context.Context, string, services.Actor) (services.Order, error)
	deleteFn   func(context.Context, string, services.Actor) error
	statusesFn func(context.Context, string) (services.StatusLabels, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, actor services.Actor) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, actor)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.ListOrdersFilter) ([]services.Order, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubOrderService) SetStatus(ctx context.Context, cmd services.SetStatusCommand) (services.Order, error) {
	if s.setFn != nil {
		return s.setFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) CancelOrder(ctx context.Context, orderID string, actor services.Actor) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, orderID, actor)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) DeleteOrder(ctx context.Context, orderID string, actor services.Actor) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, orderID, actor)
	}
	return errors.New("not implemented")
}

func (s *stubOrderService) ListStatuses(ctx context.Context, acceptLanguage string) (services.StatusLabels, error) {
	if s.statusesFn != nil {
		return s.statusesFn(ctx, acceptLanguage)
	}
	return services.StatusLabels{}, nil
}

var _ services.OrderService = (*stubOrderService)(nil)

func newOrderRouter(service services.OrderService, opts ...OrderHandlersOption) chi.Router {
	handler := NewOrderHandlers(service, opts...)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func newOrderRequest(method, target, body string, identity *auth.Identity) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func sampleOrder(now time.Time) services.Order {
	eta := now.Add(40 * time.Second)
	return services.Order{
		ID:                "ord_123",
		UserID:            "user-1",
		Items:             []services.OrderItem{{ProductID: "p1", Name: "Widget", UnitPrice: 10, Quantity: 2}},
		Total:             20,
		Status:            domain.OrderStatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
		EstimatedDelivery: &eta,
	}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}

	body := `{"user_id":"user-1","items":[{"product_id":"p1","product_name":"Widget","price":10,"quantity":2}],"total_price":20}`
	rr := httptest.NewRecorder()
	newOrderRouter(service).ServeHTTP(rr, newOrderRequest(http.MethodPost, "/orders/", body, &auth.Identity{UserID: "user-1"}))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Actor.UserID != "user-1" || captured.Actor.Admin {
		t.Fatalf("unexpected actor %+v", captured.Actor)
	}
	if captured.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %q", captured.OwnerID)
	}
	if len(captured.Items) != 1 || captured.Items[0].Name != "Widget" || captured.Items[0].UnitPrice != 10 {
		t.Fatalf("unexpected items %+v", captured.Items)
	}
	if captured.Total == nil || *captured.Total != 20 {
		t.Fatalf("expected total 20, got %v", captured.Total)
	}

	payload := decodeBody(t, rr)
	if payload["id"] != "ord_123" || payload["status"] != "created" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["total"] != 20.0 || payload["total_price"] != 20.0 {
		t.Fatalf("expected total and total_price 20, got %v / %v", payload["total"], payload["total_price"])
	}
	if payload["estimated_delivery"] != "2024-03-15T09:30:40Z" {
		t.Fatalf("unexpected estimated_delivery %v", payload["estimated_delivery"])
	}
	items, ok := payload["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("unexpected items payload %v", payload["items"])
	}
	if item := items[0].(map[string]any); item["name"] != "Widget" || item["product_name"] != "Widget" || item["price"] != 10.0 {
		t.Fatalf("unexpected item payload %v", item)
	}
}

func TestOrderHandlersCreateOrderRejectsBadRequests(t *testing.T) {
	called := false
	service := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			called = true
			return services.Order{}, nil
		},
	}
	router := newOrderRouter(service)

	tests := []struct {
		name     string
		body     string
		identity *auth.Identity
		want     int
	}{
		{name: "anonymous", body: `{"items":[]}`, identity: nil, want: http.StatusUnauthorized},
		{name: "anonymous identity", body: `{"items":[]}`, identity: auth.Anonymous(), want: http.StatusUnauthorized},
		{name: "empty body", body: "", identity: &auth.Identity{UserID: "u1"}, want: http.StatusBadRequest},
		{name: "malformed json", body: `{"items":`, identity: &auth.Identity{UserID: "u1"}, want: http.StatusBadRequest},
		{name: "missing price", body: `{"items":[{"product_id":"p1","quantity":1}]}`, identity: &auth.Identity{UserID: "u1"}, want: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called = false
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, newOrderRequest(http.MethodPost, "/orders/", tc.body, tc.identity))
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
			if called {
				t.Fatalf("service should not be called")
			}
		})
	}
}

func TestOrderHandlersCreateOrderIdempotentReplay(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	calls := 0
	service := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			calls++
			order := sampleOrder(now)
			order.ID = fmt.Sprintf("ord_%d", calls)
			return order, nil
		},
	}
	store := idempotency.NewMemoryStore()
	router := newOrderRouter(service, WithCreateMiddlewares(idempotency.Middleware(store)))

	body := `{"items":[{"product_id":"p1","name":"Widget","price":10,"quantity":2}],"total":20}`
	send := func(payload string) *httptest.ResponseRecorder {
		req := newOrderRequest(http.MethodPost, "/orders/", payload, &auth.Identity{UserID: "user-1"})
		req.Header.Set(idempotency.DefaultHeader, "checkout-42")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	first := send(body)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	replay := send(body)
	if replay.Code != http.StatusOK {
		t.Fatalf("expected replay 200, got %d", replay.Code)
	}
	if replay.Header().Get(idempotency.ReplayHeader) != "true" {
		t.Fatalf("expected replay header")
	}
	if !bytes.Equal(first.Body.Bytes(), replay.Body.Bytes()) {
		t.Fatalf("expected identical bodies, got %s vs %s", first.Body.String(), replay.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected a single create, got %d", calls)
	}

	conflict := send(`{"items":[{"product_id":"p2","name":"Other","price":1,"quantity":1}]}`)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", conflict.Code)
	}
}

func TestOrderHandlersListOrdersPassesPaging(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	var captured services.ListOrdersFilter
	service := &stubOrderService{
		listFn: func(_ context.Context, filter services.ListOrdersFilter) ([]services.Order, error) {
			captured = filter
			return []services.Order{sampleOrder(now)}, nil
		},
	}
	router := newOrderRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newOrderRequest(http.MethodGet, "/orders/?skip=5&limit=10", "", &auth.Identity{UserID: "ops", Admin: true}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.Skip != 5 || captured.Limit != 10 || !captured.Actor.Admin {
		t.Fatalf("unexpected filter %+v", captured)
	}
	var payload []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(payload) != 1 || payload[0]["id"] != "ord_123" {
		t.Fatalf("unexpected payload %v", payload)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, newOrderRequest(http.MethodGet, "/orders/?skip=abc", "", &auth.Identity{UserID: "u1"}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad skip, got %d", rr.Code)
	}
}

func TestOrderHandlersErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     int
		wantCode string
	}{
		{name: "not found", err: fmt.Errorf("%w: gone", services.ErrOrderNotFound), want: http.StatusNotFound, wantCode: "order_not_found"},
		{name: "forbidden", err: services.ErrOrderForbidden, want: http.StatusForbidden, wantCode: "forbidden"},
		{name: "invalid input", err: services.ErrOrderInvalidInput, want: http.StatusBadRequest, wantCode: "invalid_order"},
		{name: "invalid status", err: services.ErrOrderInvalidStatus, want: http.StatusBadRequest, wantCode: "invalid_status"},
		{name: "invalid transition", err: services.ErrOrderInvalidTransition, want: http.StatusBadRequest, wantCode: "invalid_transition"},
		{name: "unauthenticated", err: services.ErrOrderUnauthenticated, want: http.StatusUnauthorized, wantCode: "unauthenticated"},
		{name: "unavailable", err: services.ErrOrderUnavailable, want: http.StatusServiceUnavailable, wantCode: "order_store_unavailable"},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError, wantCode: "order_error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubOrderService{
				getFn: func(context.Context, string, services.Actor) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			rr := httptest.NewRecorder()
			newOrderRouter(service).ServeHTTP(rr, newOrderRequest(http.MethodGet, "/orders/ord_1", "", &auth.Identity{UserID: "u1"}))
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
			body := decodeBody(t, rr)
			if body["error"] != tc.wantCode {
				t.Fatalf("expected error code %s, got %v", tc.wantCode, body["error"])
			}
			if body["detail"] != body["message"] {
				t.Fatalf("expected detail to mirror message, got %v", body)
			}
		})
	}
}

func TestOrderHandlersCancelNamesStatus(t *testing.T) {
	service := &stubOrderService{
		cancelFn: func(_ context.Context, orderID string, actor services.Actor) (services.Order, error) {
			if orderID != "ord_1" || actor.UserID != "u1" {
				t.Fatalf("unexpected call %s %+v", orderID, actor)
			}
			return services.Order{}, fmt.Errorf("%w: cannot cancel order with status delivered", services.ErrOrderInvalidTransition)
		},
	}
	rr := httptest.NewRecorder()
	newOrderRouter(service).ServeHTTP(rr, newOrderRequest(http.MethodPut, "/orders/ord_1/cancel", "", &auth.Identity{UserID: "u1"}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); !strings.Contains(body["detail"].(string), "delivered") {
		t.Fatalf("expected detail to name the status, got %v", body["detail"])
	}
}

func TestOrderHandlersSetStatusAndCancel(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	var capturedStatus services.SetStatusCommand
	service := &stubOrderService{
		setFn: func(_ context.Context, cmd services.SetStatusCommand) (services.Order, error) {
			capturedStatus = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusShipping
			return order, nil
		},
		cancelFn: func(context.Context, string, services.Actor) (services.Order, error) {
			order := sampleOrder(now)
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	router := newOrderRouter(service)
	admin := &auth.Identity{UserID: "ops", Admin: true}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newOrderRequest(http.MethodPut, "/orders/ord_123/status?status=shipping", "", admin))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if capturedStatus.OrderID != "ord_123" || capturedStatus.Status != "shipping" || !capturedStatus.Actor.Admin {
		t.Fatalf("unexpected command %+v", capturedStatus)
	}
	body := decodeBody(t, rr)
	if body["message"] != "Order status updated to shipping" {
		t.Fatalf("unexpected message %v", body["message"])
	}
	if order := body["order"].(map[string]any); order["status"] != "shipping" {
		t.Fatalf("unexpected order %v", order)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, newOrderRequest(http.MethodPut, "/orders/ord_123/cancel", "", &auth.Identity{UserID: "user-1"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["message"] != "Order cancelled" {
		t.Fatalf("unexpected message %v", body["message"])
	}
}

func TestOrderHandlersDeleteOrder(t *testing.T) {
	var deleted string
	service := &stubOrderService{
		deleteFn: func(_ context.Context, orderID string, actor services.Actor) error {
			if !actor.Admin {
				return services.ErrOrderForbidden
			}
			deleted = orderID
			return nil
		},
	}
	router := newOrderRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newOrderRequest(http.MethodDelete, "/orders/ord_9", "", &auth.Identity{UserID: "u1"}))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, newOrderRequest(http.MethodDelete, "/orders/ord_9", "", &auth.Identity{UserID: "ops", Admin: true}))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if deleted != "ord_9" {
		t.Fatalf("expected ord_9 deleted, got %q", deleted)
	}
}

func TestOrderHandlersListStatusesWithoutIdentity(t *testing.T) {
	var capturedLang string
	service := &stubOrderService{
		statusesFn: func(_ context.Context, acceptLanguage string) (services.StatusLabels, error) {
			capturedLang = acceptLanguage
			return services.StatusLabels{Locale: "ru", Labels: map[string]string{"created": "Создан"}}, nil
		},
	}

	req := newOrderRequest(http.MethodGet, "/orders/statuses/list", "", nil)
	req.Header.Set("Accept-Language", "ru-RU")
	rr := httptest.NewRecorder()
	newOrderRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if capturedLang != "ru-RU" {
		t.Fatalf("expected Accept-Language to be forwarded, got %q", capturedLang)
	}
	if rr.Header().Get("Content-Language") != "ru" {
		t.Fatalf("expected Content-Language ru, got %q", rr.Header().Get("Content-Language"))
	}
	var body struct {
		Statuses map[string]string `json:"statuses"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Statuses["created"] != "Создан" {
		t.Fatalf("unexpected statuses %v", body.Statuses)
	}
}
