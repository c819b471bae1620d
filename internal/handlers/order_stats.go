package handlers

import (
	"net/http"
	"strings"

	"github.com/joaosutil/pede-ai2/internal/platform/httpx"
	"github.com/joaosutil/pede-ai2/internal/services"
)

type statsTotalsPayload struct {
	TotalRevenue    string `json:"totalRevenue"`
	ProductRevenue  string `json:"productRevenue"`
	DeliveryRevenue string `json:"deliveryRevenue"`
	TotalOrders     int    `json:"totalOrders"`
	AvgTicket       string `json:"avgTicket"`
}

type statsDailyPayload struct {
	Date    string `json:"date"`
	Revenue string `json:"revenue"`
	Count   int    `json:"count"`
}

type statsPaymentPayload struct {
	Method string `json:"method"`
	Count  int    `json:"count"`
}

type statsProductPayload struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Revenue  string `json:"revenue"`
}

type statsResponse struct {
	RestaurantID string                `json:"restaurantId,omitempty"`
	Totals       statsTotalsPayload    `json:"totals"`
	Daily        []statsDailyPayload   `json:"daily"`
	Payments     []statsPaymentPayload `json:"payments"`
	TopProducts  []statsProductPayload `json:"topProducts"`
}

// getStats rolls delivered orders up for the dashboard. Restaurants always see their own
// numbers; admins may narrow with ?restaurant=.
func (h *OrderHandlers) getStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stats == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stats_service_unavailable", "stats service unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireStaff(w, r)
	if !ok {
		return
	}

	stats, err := h.stats.GetStats(ctx, viewer, strings.TrimSpace(r.URL.Query().Get("restaurant")))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStatsPayload(stats))
}

func buildStatsPayload(stats services.OrderStats) statsResponse {
	payload := statsResponse{
		RestaurantID: stats.Scope.RestaurantID,
		Totals: statsTotalsPayload{
			TotalRevenue:    formatMoney(stats.Totals.TotalRevenue),
			ProductRevenue:  formatMoney(stats.Totals.ProductRevenue),
			DeliveryRevenue: formatMoney(stats.Totals.DeliveryRevenue),
			TotalOrders:     stats.Totals.TotalOrders,
			AvgTicket:       formatMoney(stats.Totals.AvgTicket),
		},
		Daily:       make([]statsDailyPayload, 0, len(stats.Daily)),
		Payments:    make([]statsPaymentPayload, 0, len(stats.Payments)),
		TopProducts: make([]statsProductPayload, 0, len(stats.TopProducts)),
	}
	for _, day := range stats.Daily {
		payload.Daily = append(payload.Daily, statsDailyPayload{Date: day.Date, Revenue: formatMoney(day.Revenue), Count: day.Count})
	}
	for _, method := range stats.Payments {
		payload.Payments = append(payload.Payments, statsPaymentPayload{Method: string(method.Method), Count: method.Count})
	}
	for _, product := range stats.TopProducts {
		payload.TopProducts = append(payload.TopProducts, statsProductPayload{
			Name:     product.Name,
			Quantity: product.Quantity,
			Revenue:  formatMoney(product.Revenue),
		})
	}
	return payload
}
