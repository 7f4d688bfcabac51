package settlement_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func RegisterRoutes(r chi.Router, rec PaymentReconciler, prices PriceQuoter, allowedOrigins []string, l *zap.Logger) {
	handler := NewHandler(rec, prices, l.With(zap.String("component", "SettlementHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Settlement service is healthy!"))
	})

	r.Route("/payments/{id}", func(r chi.Router) {
		r.Post("/confirm", handler.ConfirmPayment)
		r.Delete("/monitor", handler.CancelMonitor)
	})

	r.Route("/prices", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Get("/{pair}", handler.GetPrice)
		r.Get("/{pair}/convert", handler.Convert)
	})
}
