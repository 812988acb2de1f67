package httpapi

import (
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-gonic/gin"
)

type amountRequest struct {
	UserID      string `json:"user_id"`
	AmountUnits int64  `json:"amount_units"`
	OrderID     string `json:"order_id"`
	Metadata    string `json:"metadata"`
}

type grantFreeRequest struct {
	UserID       string `json:"user_id"`
	AmountUnits  int64  `json:"amount_units"`
	ExpireAtUnix int64  `json:"expire_at_unix"`
	Metadata     string `json:"metadata"`
}

type scheduleEntry struct {
	AmountUnits  int64 `json:"amount_units"`
	IssueAtUnix  int64 `json:"issue_at_unix"`
	ExpireAtUnix int64 `json:"expire_at_unix"`
}

type upsertSubscriptionRequest struct {
	UserID            string          `json:"user_id"`
	SubscriptionID    string          `json:"subscription_id"`
	WidgetTag         string          `json:"widget_tag"`
	PeriodStartUnix   int64           `json:"period_start_unix"`
	PeriodEndUnix     int64           `json:"period_end_unix"`
	CancelAtPeriodEnd bool            `json:"cancel_at_period_end"`
	Schedule          []scheduleEntry `json:"schedule"`
}

type sweepRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

func (handler *ledgerHandler) handleBalance(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance_units": balance.Int64()})
}

func (handler *ledgerHandler) handleListStatements(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	var beforeUnix int64
	if beforeQuery := ctx.Query("before"); beforeQuery != "" {
		beforeUnix, err = strconv.ParseInt(beforeQuery, 10, 64)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "before must be a unix timestamp"})
			return
		}
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	statements, err := handler.service.ListStatements(ctx.Request.Context(), userID, beforeUnix, limit)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"statements": statements})
}

func (handler *ledgerHandler) handleTopUp(ctx *gin.Context) {
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, amount, orderID, err := parseAmountRequest(request)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	metadata, err := credits.NewMetadataJSON(request.Metadata)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	if err := handler.service.TopUp(ctx.Request.Context(), userID, amount, orderID, metadata); err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *ledgerHandler) handleGrantFree(ctx *gin.Context) {
	var request grantFreeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	amount, err := credits.NewPositiveAmount(request.AmountUnits)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	metadata, err := credits.NewMetadataJSON(request.Metadata)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	grant, err := handler.service.GrantFreeCredits(ctx.Request.Context(), userID, amount, request.ExpireAtUnix, metadata)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"grant_id": grant.GrantID})
}

func (handler *ledgerHandler) handleConsume(ctx *gin.Context) {
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, amount, orderID, err := parseAmountRequest(request)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	result, err := handler.service.Consume(ctx.Request.Context(), userID, amount, orderID)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_consumed_units":        result.TotalUnits,
		"free_consumed_units":         result.FreeUnits,
		"subscription_consumed_units": result.SubscriptionUnits,
	})
}

func (handler *ledgerHandler) handleRefund(ctx *gin.Context) {
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, amount, orderID, err := parseAmountRequest(request)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	if err := handler.service.Refund(ctx.Request.Context(), userID, amount, orderID); err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *ledgerHandler) handleUpsertSubscription(ctx *gin.Context) {
	var request upsertSubscriptionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	schedule := make([]credits.GrantSchedule, 0, len(request.Schedule))
	for _, entry := range request.Schedule {
		schedule = append(schedule, credits.GrantSchedule{
			AmountUnits:     entry.AmountUnits,
			IssueAtUnixUTC:  entry.IssueAtUnix,
			ExpireAtUnixUTC: entry.ExpireAtUnix,
		})
	}
	err = handler.service.UpsertSubscription(ctx.Request.Context(), userID, credits.SubscriptionDetail{
		SubscriptionID:     request.SubscriptionID,
		WidgetTag:          request.WidgetTag,
		PeriodStartUnixUTC: request.PeriodStartUnix,
		PeriodEndUnixUTC:   request.PeriodEndUnix,
		CancelAtPeriodEnd:  request.CancelAtPeriodEnd,
	}, schedule)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *ledgerHandler) handleCancelSubscription(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Query("user_id"))
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	subscriptionID := ctx.Param("subscription_id")
	if err := handler.service.CancelSubscription(ctx.Request.Context(), userID, subscriptionID); err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *ledgerHandler) handleIssueSweep(ctx *gin.Context) {
	var request sweepRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	issuedCount, err := handler.service.IssueDueGrants(ctx.Request.Context(), request.SubscriptionID)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"issued": issuedCount})
}

func (handler *ledgerHandler) handleExpireSweep(ctx *gin.Context) {
	var request sweepRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	expiredCount, err := handler.service.ExpireDueGrants(ctx.Request.Context(), request.SubscriptionID)
	if err != nil {
		handler.abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"expired": expiredCount})
}

func parseAmountRequest(request amountRequest) (credits.UserID, credits.PositiveAmount, credits.OrderID, error) {
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		return credits.UserID{}, credits.PositiveAmount{}, credits.OrderID{}, err
	}
	amount, err := credits.NewPositiveAmount(request.AmountUnits)
	if err != nil {
		return credits.UserID{}, credits.PositiveAmount{}, credits.OrderID{}, err
	}
	orderID, err := credits.NewOrderID(request.OrderID)
	if err != nil {
		return credits.UserID{}, credits.PositiveAmount{}, credits.OrderID{}, err
	}
	return userID, amount, orderID, nil
}
