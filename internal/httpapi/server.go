package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditledger/internal/taskbilling"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
)

const claimsContextKey = "auth_claims"

// Run boots the HTTP API using the supplied configuration and wiring.
func Run(ctx context.Context, cfg Config, service *credit.Service, biller *taskbilling.Biller, logger *zap.Logger) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		biller:  biller,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/bootstrap", handler.handleBootstrap)
	api.GET("/balance", handler.handleBalance)
	api.GET("/statement", handler.handleStatement)
	api.POST("/transfers", handler.handleTransfer)
	api.POST("/refunds", handler.handleRefund)

	internal := router.Group("/internal")
	internal.Use(internalAuthMiddleware(cfg))

	internal.POST("/payments/notifications", handler.handlePaymentNotification)
	internal.POST("/commissions", handler.handleCommission)
	internal.POST("/tasks/charges", handler.handleTaskCharge)
	internal.POST("/tasks/refunds", handler.handleTaskRefund)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *credit.Service
	biller  *taskbilling.Biller
	cfg     Config
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	accountID, ok := handler.sessionAccountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.service.OpenAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "bootstrap", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountPayloadFrom(account)})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, ok := handler.sessionAccountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID.String(), "balance": balance.String()})
}

func (handler *httpHandler) handleStatement(ctx *gin.Context) {
	accountID, ok := handler.sessionAccountID(ctx)
	if !ok {
		return
	}
	var query statementQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "unrecognized statement query"))
		return
	}
	filter := credit.StatementFilter{
		SinceUnixUTC: query.SinceUnixUTC,
		UntilUnixUTC: query.UntilUnixUTC,
	}
	if query.Kind != "" {
		kind, err := credit.ParseTransactionKind(query.Kind)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", "unrecognized transaction kind"))
			return
		}
		filter.Kind = &kind
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	statement, err := handler.service.Statement(requestCtx, accountID, filter, query.Page, query.PageSize)
	if err != nil {
		handler.respondError(ctx, "statement", err)
		return
	}
	ctx.JSON(http.StatusOK, statementPayloadFrom(statement))
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	accountID, ok := handler.sessionAccountID(ctx)
	if !ok {
		return
	}
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	recipientID, err := credit.NewAccountID(request.RecipientAccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_recipient", "recipient account id is invalid"))
		return
	}
	amount, err := credit.NewDecimal2FromString(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a decimal string"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transfer, err := handler.service.Transfer(requestCtx, accountID, recipientID, amount, request.Message)
	if err != nil {
		handler.respondError(ctx, "transfer", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transfer_id": transfer.TransferID.String(),
		"status":      string(transfer.Status),
		"amount":      transfer.Amount.String(),
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	accountID, ok := handler.sessionAccountID(ctx)
	if !ok {
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	grantID, err := credit.NewGrantID(request.GrantID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_grant", "grant id is invalid"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	refundAmount, err := handler.service.RefundPackage(requestCtx, accountID, grantID, request.Reason)
	if err != nil {
		handler.respondError(ctx, "refund", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"grant_id":      grantID.String(),
		"refund_amount": refundAmount.String(),
	})
}

func (handler *httpHandler) handlePaymentNotification(ctx *gin.Context) {
	var request paymentNotificationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Status != "success" {
		// Pending and failed notifications carry no ledger effect; ack so
		// the gateway stops redelivering.
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	accountID, err := credit.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account id is invalid"))
		return
	}
	packageID, err := credit.NewPackageID(request.PackageID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_package", "package id is invalid"))
		return
	}
	notificationKey, err := credit.NewIdempotencyKey("payment:" + request.NotificationID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_notification", "notification id is required"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if _, err := handler.service.OpenAccount(requestCtx, accountID); err != nil {
		handler.respondError(ctx, "payment notification", err)
		return
	}
	grant, err := handler.service.PurchasePackage(requestCtx, accountID, packageID, request.OrderID, notificationKey)
	if err != nil {
		handler.respondError(ctx, "payment notification", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":          "credited",
		"grant_id":        grant.GrantID.String(),
		"credits_granted": grant.CreditsGranted.String(),
	})
}

func (handler *httpHandler) handleCommission(ctx *gin.Context) {
	var request commissionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := credit.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account id is invalid"))
		return
	}
	amount, err := credit.NewDecimal2FromString(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a decimal string"))
		return
	}
	payoutKey, err := credit.NewIdempotencyKey("commission:" + request.PayoutID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payout", "payout id is required"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	newBalance, err := handler.service.Grant(requestCtx, accountID, amount, credit.KindCommissionPayout, request.PayoutID, &payoutKey)
	if err != nil {
		handler.respondError(ctx, "commission", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalance.String()})
}

func (handler *httpHandler) handleTaskCharge(ctx *gin.Context) {
	var request taskChargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := credit.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account id is invalid"))
		return
	}
	if request.TaskID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_task", "task id is required"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	newBalance, err := handler.biller.ChargeTask(requestCtx, accountID, request.TaskID, credit.ServiceKey(request.Service), request.Options)
	if err != nil {
		handler.respondError(ctx, "task charge", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalance.String()})
}

func (handler *httpHandler) handleTaskRefund(ctx *gin.Context) {
	var request taskRefundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := credit.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", "account id is invalid"))
		return
	}
	if request.TaskID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_task", "task id is required"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	newBalance, err := handler.biller.RefundFailedTask(requestCtx, accountID, request.TaskID)
	if err != nil {
		handler.respondError(ctx, "task refund", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalance.String()})
}

func (handler *httpHandler) sessionAccountID(ctx *gin.Context) (credit.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credit.AccountID{}, false
	}
	accountID, err := credit.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session user id is invalid"))
		return credit.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	statusCode, errorCode := classifyError(err)
	if statusCode == http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
	}
	ctx.JSON(statusCode, errorResponse(errorCode, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, credit.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, credit.ErrUnknownGrant):
		return http.StatusNotFound, "grant_not_found"
	case errors.Is(err, credit.ErrUnknownPackage):
		return http.StatusNotFound, "package_not_found"
	case errors.Is(err, credit.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, credit.ErrUnknownService):
		return http.StatusBadRequest, "unknown_service"
	case errors.Is(err, credit.ErrSelfTransfer):
		return http.StatusBadRequest, "self_transfer"
	case errors.Is(err, credit.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, credit.ErrAlreadyRefunded):
		return http.StatusConflict, "already_refunded"
	case errors.Is(err, credit.ErrNotRefundable):
		return http.StatusConflict, "not_refundable"
	case errors.Is(err, credit.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case errors.Is(err, credit.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, taskbilling.ErrTaskNotCharged):
		return http.StatusNotFound, "task_not_charged"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// internalAuthMiddleware accepts HS256 bearer tokens minted with the
// internal signing key. Only the issuer is pinned; internal callers do not
// carry user identity.
func internalAuthMiddleware(cfg Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		const prefix = "Bearer "
		header := ctx.GetHeader("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		token, err := jwt.Parse(header[len(prefix):], func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(cfg.InternalSigningKey), nil
		}, jwt.WithIssuer(cfg.InternalIssuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type statementQuery struct {
	Page         int    `form:"page"`
	PageSize     int    `form:"page_size"`
	Kind         string `form:"kind"`
	SinceUnixUTC int64  `form:"since"`
	UntilUnixUTC int64  `form:"until"`
}

type transferRequest struct {
	RecipientAccountID string `json:"recipient_account_id"`
	Amount             string `json:"amount"`
	Message            string `json:"message"`
}

type refundRequest struct {
	GrantID string `json:"grant_id"`
	Reason  string `json:"reason"`
}

type paymentNotificationRequest struct {
	NotificationID string `json:"notification_id"`
	OrderID        string `json:"order_id"`
	AccountID      string `json:"account_id"`
	PackageID      string `json:"package_id"`
	Status         string `json:"status"`
}

type commissionRequest struct {
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	PayoutID  string `json:"payout_id"`
}

type taskChargeRequest struct {
	AccountID string                `json:"account_id"`
	TaskID    string                `json:"task_id"`
	Service   string                `json:"service"`
	Options   credit.VariantOptions `json:"options"`
}

type taskRefundRequest struct {
	AccountID string `json:"account_id"`
	TaskID    string `json:"task_id"`
}

type accountPayload struct {
	AccountID      string `json:"account_id"`
	Balance        string `json:"balance"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

func accountPayloadFrom(account credit.Account) accountPayload {
	return accountPayload{
		AccountID:      account.AccountID.String(),
		Balance:        account.Balance.String(),
		UpdatedUnixUTC: account.UpdatedUnixUTC,
	}
}

type statementPayload struct {
	Transactions []transactionPayload `json:"transactions"`
	TotalCount   int64                `json:"total_count"`
	Page         int                  `json:"page"`
	PageSize     int                  `json:"page_size"`
}

type transactionPayload struct {
	TransactionID   string `json:"transaction_id"`
	Kind            string `json:"kind"`
	Delta           string `json:"delta"`
	BalanceAfter    string `json:"balance_after"`
	RelatedEntityID string `json:"related_entity_id,omitempty"`
	Description     string `json:"description,omitempty"`
	CreatedUnixUTC  int64  `json:"created_unix_utc"`
}

func statementPayloadFrom(statement credit.StatementPage) statementPayload {
	transactions := make([]transactionPayload, 0, len(statement.Transactions))
	for _, transaction := range statement.Transactions {
		transactions = append(transactions, transactionPayload{
			TransactionID:   transaction.TransactionID,
			Kind:            transaction.Kind.String(),
			Delta:           transaction.Delta.String(),
			BalanceAfter:    transaction.BalanceAfter.String(),
			RelatedEntityID: transaction.RelatedEntityID,
			Description:     transaction.Description,
			CreatedUnixUTC:  transaction.CreatedUnixUTC,
		})
	}
	return statementPayload{
		Transactions: transactions,
		TotalCount:   statement.TotalCount,
		Page:         statement.Page,
		PageSize:     statement.PageSize,
	}
}
