// README: HTTP router registration on gin; every public operation lives under /api.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mobility/internal/http/handlers"
	"mobility/internal/http/middleware"
	"mobility/internal/infra"
	"mobility/internal/modules/geo"
	"mobility/internal/modules/promotion"
	"mobility/internal/modules/rental"
	"mobility/internal/modules/reservation"
	"mobility/internal/modules/settlement"
	"mobility/internal/modules/unlock"
	"mobility/internal/modules/vehicle"
)

type RouterDeps struct {
	Logger       *slog.Logger
	Verifier     infra.TokenVerifier
	Reservations *reservation.Service
	Unlock       *unlock.Service
	Rentals      *rental.Service
	Settlement   *settlement.Service
	Vehicles     *vehicle.Directory
	Promotions   *promotion.Store
	Zones        geo.ZoneSource
	ZoneWriter   handlers.ZoneWriter
	Currency     string
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	reservationHandler := handlers.NewReservationHandler(deps.Reservations, deps.Unlock, deps.Vehicles)
	api.POST("/reservations", reservationHandler.Create)
	api.GET("/reservations/:id", reservationHandler.Get)
	api.POST("/reservations/:id/cancel", reservationHandler.Cancel)
	api.POST("/reservations/:id/unlock", reservationHandler.Unlock)

	rentalHandler := handlers.NewRentalHandler(deps.Rentals, deps.Zones)
	api.GET("/rentals/:id", rentalHandler.Get)
	api.POST("/rentals/:id/accrue", rentalHandler.Accrue)
	api.POST("/rentals/:id/pause", rentalHandler.Pause)
	api.POST("/rentals/:id/resume", rentalHandler.Resume)
	api.POST("/rentals/:id/track", rentalHandler.Track)
	api.POST("/rentals/:id/end", rentalHandler.End)
	api.GET("/rentals/:id/summary", rentalHandler.Summary)

	settlementHandler := handlers.NewSettlementHandler(deps.Settlement)
	api.POST("/rentals/:id/splits", settlementHandler.Create)
	api.GET("/splits/:id", settlementHandler.Get)
	api.POST("/splits/:id/respond", settlementHandler.Respond)

	fleetHandler := handlers.NewFleetHandler(deps.Vehicles, deps.Zones, deps.ZoneWriter, deps.Promotions, deps.Currency)
	api.GET("/vehicles/nearby", fleetHandler.Nearby)
	api.GET("/zones", fleetHandler.ListZones)

	admin := api.Group("/admin", middleware.RequireRole(middleware.RoleOperator))
	admin.POST("/vehicles", fleetHandler.RegisterVehicle)
	admin.PUT("/vehicles/:id/location", fleetHandler.UpdateVehicleLocation)
	admin.PUT("/zones/:id", fleetHandler.PutZone)
	admin.POST("/promotions", fleetHandler.GrantPromotion)
	admin.POST("/rentals/:id/cancel", rentalHandler.Cancel)

	return r
}
