package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/middlewares"
	"bitbucket.org/mmdatafocus/codops_backend/models"
	"bitbucket.org/mmdatafocus/codops_backend/models/exports"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"bitbucket.org/mmdatafocus/codops_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("codops-backend")

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func main() {
	_ = godotenv.Load()

	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the startup probe passes; app endpoints
	// return 503 until DB/Redis are ready.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/auth/login", loginHandler)

	api := r.Group("/api", middlewares.RequireAuth())
	{
		api.POST("/carriers", createCarrierHandler)
		api.GET("/carriers", listCarriersHandler)
		api.GET("/carriers/:id", getCarrierHandler)
		api.POST("/carriers/:id/toggle", toggleCarrierHandler)

		api.PUT("/carriers/:id/zones", upsertCarrierZoneHandler)
		api.GET("/carriers/:id/zones", listCarrierZonesHandler)
		api.DELETE("/carriers/:id/zones/:zone", deactivateCarrierZoneHandler)

		api.GET("/carriers/:id/balance", carrierBalanceHandler)
		api.GET("/carriers/:id/movements", carrierMovementsHandler)
		api.GET("/carriers/:id/movements/unsettled", unsettledMovementsHandler)
		api.POST("/carriers/:id/adjustments", carrierAdjustmentHandler)
		api.POST("/carrier-payments", registerCarrierPaymentHandler)

		api.POST("/orders", createOrderHandler)
		api.GET("/orders/dispatchable", dispatchableOrdersHandler)
		api.POST("/orders/:id/ready", markOrderReadyHandler)

		api.POST("/dispatch-sessions", createDispatchSessionHandler)
		api.GET("/dispatch-sessions", listDispatchSessionsHandler)
		api.GET("/dispatch-sessions/:id", getDispatchSessionHandler)
		api.POST("/dispatch-sessions/:id/cancel", cancelDispatchSessionHandler)
		api.GET("/dispatch-sessions/:id/sheet", dispatchSheetHandler)
		api.GET("/dispatch-sessions/:id/sheet.csv", dispatchCsvHandler)
		api.GET("/dispatch-sessions/:id/sheet-url", dispatchSheetURLHandler)
		api.POST("/dispatch-sessions/:id/outcomes", importOutcomesHandler)
		api.POST("/dispatch-sessions/:id/settle", settleSessionHandler)

		api.POST("/reconciliations", manualReconciliationHandler)
		api.GET("/settlements", listSettlementsHandler)
		api.GET("/settlements/:id", getSettlementHandler)
		api.POST("/settlements/:id/payments", settlementPaymentHandler)
	}

	// ops tooling: requeue dead/failed outbox rows
	r.POST("/internal/ops/outbox/replay", middlewares.RequireAuth(), outboxReplayHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// outbox dispatcher publishes after commit
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.OutboxDirectProcessing() {
		go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)
	}

	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{"info": "Connection Established"}).Info("listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that produced errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

/*
   auth
*/

func loginHandler(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := models.GetUserByUsername(c.Request.Context(), body.Username)
	if err != nil || user.IsActive == nil || !*user.IsActive {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := utils.ComparePassword(user.Password, body.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := utils.JwtGenerate(user.ID, user.StoreId, user.Role, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "username": user.Username, "role": user.Role})
}

/*
   carriers and zones
*/

func createCarrierHandler(c *gin.Context) {
	var input models.NewCarrier
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	carrier, err := models.CreateCarrier(c.Request.Context(), &input)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, carrier)
}

func listCarriersHandler(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	carriers, err := models.GetCarriers(c.Request.Context(), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, carriers)
}

func getCarrierHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	carrier, err := models.GetCarrier(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "carrier not found"})
		return
	}
	c.JSON(http.StatusOK, carrier)
}

func toggleCarrierHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	carrier, err := models.ToggleCarrierActive(c.Request.Context(), id, body.Active)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, carrier)
}

func upsertCarrierZoneHandler(c *gin.Context) {
	carrierId, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var input models.NewCarrierZone
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input.CarrierId = carrierId
	zone, err := models.UpsertCarrierZone(c.Request.Context(), &input)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, zone)
}

func listCarrierZonesHandler(c *gin.Context) {
	carrierId, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	zones, err := models.GetActiveCarrierZones(c.Request.Context(), carrierId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, zones)
}

func deactivateCarrierZoneHandler(c *gin.Context) {
	carrierId, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := models.DeactivateCarrierZone(c.Request.Context(), carrierId, c.Param("zone")); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

/*
   carrier account ledger
*/

func carrierBalanceHandler(c *gin.Context) {
	carrierId, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	balance, err := models.GetCarrierBalance(c.Request.Context(), carrierId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, balance)
}

func carrierMovementsHandler(c *gin.Context) {
	carrierId, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from, to, err := dateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	movements, err := models.GetCarrierMovements(c.Request.Context(), carrierId, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, movements)
}

func unsettledMovementsHandler(c *gin.Context) {
	carrierId, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	movements, err := models.GetUnsettledCarrierMovements(c.Request.Context(), carrierId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, movements)
}

func carrierAdjustmentHandler(c *gin.Context) {
	carrierId, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var input models.NewCarrierAdjustment
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input.CarrierId = carrierId
	movement, err := models.CreateCarrierAdjustment(c.Request.Context(), &input)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, movement)
}

func registerCarrierPaymentHandler(c *gin.Context) {
	var input models.NewCarrierPayment
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	record, err := models.RegisterCarrierPayment(c.Request.Context(), &input)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, record)
}

/*
   orders
*/

func createOrderHandler(c *gin.Context) {
	var input models.NewOrder
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := models.CreateOrder(c.Request.Context(), &input)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, order)
}

func dispatchableOrdersHandler(c *gin.Context) {
	var city *string
	if v := c.Query("city"); v != "" {
		city = &v
	}
	orders, err := models.GetDispatchableOrders(c.Request.Context(), city)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orders)
}

func markOrderReadyHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := models.MarkOrderReadyToShip(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

/*
   dispatch sessions
*/

func createDispatchSessionHandler(c *gin.Context) {
	var input models.NewDispatchSession
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, span := tracer.Start(c.Request.Context(), "CreateDispatchSession")
	defer span.End()
	session, err := models.CreateDispatchSession(ctx, &input)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session)
}

func listDispatchSessionsHandler(c *gin.Context) {
	var carrierId *int
	if v := c.Query("carrier_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid carrier_id"})
			return
		}
		carrierId = &n
	}
	var status *models.DispatchStatus
	if v := c.Query("status"); v != "" {
		s := models.DispatchStatus(v)
		status = &s
	}
	limit := queryLimit(c, 20)
	var after *string
	if v := c.Query("after"); v != "" {
		after = &v
	}

	edges, pageInfo, err := models.PaginateDispatchSessions(c.Request.Context(), carrierId, status, limit, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges, "pageInfo": pageInfo})
}

func getDispatchSessionHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := models.GetDispatchSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "dispatch session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func cancelDispatchSessionHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := models.CancelDispatchSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

/*
   dispatch sheet export / outcome import
*/

func loadSessionAndStore(c *gin.Context) (*models.DispatchSession, *models.Store, bool) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	session, err := models.GetDispatchSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "dispatch session not found"})
		return nil, nil, false
	}
	store, err := models.GetStoreById(c.Request.Context(), session.StoreId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return session, store, true
}

// fetchLogo pulls the store logo for the sheet branding region. Best effort;
// the sheet renders without it.
func fetchLogo(store *models.Store) []byte {
	if store.LogoUrl == "" {
		return nil
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(store.LogoUrl)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil
	}
	return data
}

func dispatchSheetHandler(c *gin.Context) {
	session, store, ok := loadSessionAndStore(c)
	if !ok {
		return
	}
	data, err := exports.RenderDispatchSheet(session, store, fetchLogo(store))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	archiveSheet(c.Request.Context(), session, data, "xlsx", utils.ContentTypeXLSX)

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xlsx", session.SessionCode))
	c.Data(http.StatusOK, utils.ContentTypeXLSX, data)
}

func dispatchCsvHandler(c *gin.Context) {
	session, _, ok := loadSessionAndStore(c)
	if !ok {
		return
	}
	data, err := exports.RenderDispatchCSV(session)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	archiveSheet(c.Request.Context(), session, data, "csv", utils.ContentTypeCSV)

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", session.SessionCode))
	c.Data(http.StatusOK, utils.ContentTypeCSV, data)
}

// archiveSheet keeps a copy of every generated sheet in object storage; the
// download never fails because archival did.
func archiveSheet(ctx context.Context, session *models.DispatchSession, data []byte, ext string, contentType string) {
	logger := config.GetLogger()
	key := sheetObjectKey(session, ext)
	if err := utils.ArchiveArtifact(ctx, key, contentType, data); err != nil {
		config.LogWarn(logger, "server.go", "archiveSheet", "sheet archival",
			map[string]interface{}{"session_code": session.SessionCode, "object_key": key},
			"failed to archive dispatch sheet: "+err.Error())
	}
}

func sheetObjectKey(session *models.DispatchSession, ext string) string {
	return fmt.Sprintf("dispatch-sheets/%s/%s.%s", session.StoreId, session.SessionCode, ext)
}

func dispatchSheetURLHandler(c *gin.Context) {
	session, store, ok := loadSessionAndStore(c)
	if !ok {
		return
	}
	// re-render and archive so the signed URL always points at the current
	// contents
	data, err := exports.RenderDispatchSheet(session, store, fetchLogo(store))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	key := sheetObjectKey(session, "xlsx")
	if err := utils.ArchiveArtifact(c.Request.Context(), key, utils.ContentTypeXLSX, data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	url, err := utils.SignDownload(c.Request.Context(), key, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func importOutcomesHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var rows []models.DeliveryOutcomeRow
	var parseWarnings []string

	contentType := c.ContentType()
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		defer file.Close()
		if strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
			rows, parseWarnings, err = exports.ParseDeliveryCSV(file)
		} else {
			rows, parseWarnings, err = exports.ParseDeliverySheet(file)
		}
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "could not read the uploaded file: " + err.Error()})
			return
		}
	default:
		var body struct {
			Rows []models.DeliveryOutcomeRow `json:"rows"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows = body.Rows
	}

	result, err := models.ImportDeliveryOutcomes(c.Request.Context(), id, rows)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	result.Warnings = append(parseWarnings, result.Warnings...)
	c.JSON(http.StatusOK, result)
}

/*
   settlement
*/

func settleSessionHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	// body is optional
	_ = c.ShouldBindJSON(&body)

	ctx, span := tracer.Start(c.Request.Context(), "ProcessSettlement")
	defer span.End()
	settlement, err := models.ProcessSettlement(ctx, id, body.Notes)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, settlement)
}

func manualReconciliationHandler(c *gin.Context) {
	var input models.NewManualReconciliation
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settlement, err := models.ProcessManualReconciliation(c.Request.Context(), &input)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, settlement)
}

func listSettlementsHandler(c *gin.Context) {
	var carrierId *int
	if v := c.Query("carrier_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid carrier_id"})
			return
		}
		carrierId = &n
	}
	var status *models.SettlementStatus
	if v := c.Query("status"); v != "" {
		s := models.SettlementStatus(v)
		status = &s
	}
	limit := queryLimit(c, 20)
	var after *string
	if v := c.Query("after"); v != "" {
		after = &v
	}

	edges, pageInfo, err := models.PaginateDailySettlements(c.Request.Context(), carrierId, status, limit, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges, "pageInfo": pageInfo})
}

func getSettlementHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settlement, err := models.GetDailySettlement(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settlement not found"})
		return
	}
	c.JSON(http.StatusOK, settlement)
}

func settlementPaymentHandler(c *gin.Context) {
	id, err := pathInt(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var input models.NewSettlementPayment
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settlement, err := models.MarkSettlementPaid(c.Request.Context(), id, &input)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settlement)
}

/*
   ops
*/

func outboxReplayHandler(c *gin.Context) {
	db := config.GetDB()
	result := db.WithContext(c.Request.Context()).Model(&models.OutboxRecord{}).
		Where("publish_status IN ?", []models.OutboxPublishStatus{models.OutboxPublishStatusDead, models.OutboxPublishStatusFailed}).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": result.RowsAffected})
}

/*
   helpers
*/

func pathInt(c *gin.Context, name string) (int, error) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

func dateRange(c *gin.Context) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid from date: %s", v)
		}
		from = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid to date: %s", v)
		}
		// inclusive end of day
		end := t.Add(24*time.Hour - time.Second)
		to = &end
	}
	return from, to, nil
}

func queryLimit(c *gin.Context, fallback int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			return n
		}
	}
	return fallback
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
