package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ledgermesh/ledgermesh/internal/command"
	"github.com/ledgermesh/ledgermesh/internal/dlq"
	"github.com/ledgermesh/ledgermesh/internal/faults"
	"github.com/ledgermesh/ledgermesh/internal/payload"
	"github.com/ledgermesh/ledgermesh/internal/projector"
	"github.com/ledgermesh/ledgermesh/internal/repo"
	"github.com/ledgermesh/ledgermesh/internal/saga"
	"github.com/ledgermesh/ledgermesh/internal/validator"
	"github.com/ledgermesh/ledgermesh/internal/view"
)

// API bundles the engine pieces the HTTP surface drives.
type API struct {
	Commands  *command.Handler
	Sagas     *saga.Orchestrator
	Transfer  *saga.Definition
	Repo      repo.LedgerRepository
	Views     view.Store
	Queue     *dlq.Queue
	Projector *projector.Projector
	Validator *validator.Validator
	Log       *zap.SugaredLogger
}

func RegisterHandlers(r *gin.Engine, api *API) {
	v1 := r.Group("/v1")
	{
		v1.POST("/accounts/:id/deposit", api.depositHandler)
		v1.POST("/accounts/:id/withdraw", api.withdrawHandler)
		v1.POST("/accounts/:id/transfer", api.transferHandler)
		v1.GET("/accounts/:id/balance", api.balanceHandler)
		v1.GET("/accounts/:id/history", api.historyHandler)
		v1.POST("/accounts/:id/validate", api.validateHandler)
		v1.GET("/sagas/:id", api.sagaHandler)
		v1.GET("/dlq", api.dlqListHandler)
		v1.POST("/dlq/replay", api.dlqReplayHandler)
	}
}

type moveReq struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func (api *API) depositHandler(c *gin.Context) {
	var req moveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, amt, ok := pathAmount(c, req.Amount)
	if !ok {
		return
	}
	res, err := api.Commands.Submit(c, req.IdempotencyKey,
		payload.DepositFunds{AccountID: id, Amount: amt})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": res.Balance, "sequence": res.Sequence})
}

func (api *API) withdrawHandler(c *gin.Context) {
	var req moveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, amt, ok := pathAmount(c, req.Amount)
	if !ok {
		return
	}
	res, err := api.Commands.Submit(c, req.IdempotencyKey,
		payload.WithdrawFunds{AccountID: id, Amount: amt})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": res.Balance, "sequence": res.Sequence})
}

type transferReq struct {
	ToID           string `json:"to_id" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func (api *API) transferHandler(c *gin.Context) {
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fromID, amt, ok := pathAmount(c, req.Amount)
	if !ok {
		return
	}
	toID, err := strconv.ParseUint(req.ToID, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to_id"})
		return
	}
	state, err := api.Sagas.Execute(c, api.Transfer, req.IdempotencyKey,
		saga.TransferInput{FromID: fromID, ToID: toID, Amount: amt})
	if err != nil {
		if errors.Is(err, saga.ErrSagaFailed) {
			// Definitive failure: forward effects were reversed.
			c.JSON(http.StatusConflict, gin.H{
				"error":  err.Error(),
				"status": state.Status,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saga_id": state.SagaID, "status": state.Status})
}

// balanceHandler reads the materialized view first and falls back to the
// ledger when the document has not landed yet.
func (api *API) balanceHandler(c *gin.Context) {
	id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
	if doc, err := api.Views.GetAccount(c, id); err == nil {
		c.JSON(http.StatusOK, gin.H{"balance": doc.Balance, "source": "view", "sequence": doc.LastSequence})
		return
	}
	acct, err := api.Repo.GetAccount(c, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": acct.Balance, "source": "ledger", "sequence": acct.Sequence})
}

func (api *API) historyHandler(c *gin.Context) {
	id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
	from, _ := strconv.ParseUint(c.DefaultQuery("from_sequence", "0"), 10, 64)
	events, err := api.Repo.EventsForAggregate(c, id, from)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (api *API) validateHandler(c *gin.Context) {
	id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
	res, err := api.Validator.Validate(c, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (api *API) sagaHandler(c *gin.Context) {
	state, err := api.Repo.GetSaga(c, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	steps, _ := state.StepRecords()
	comps, _ := api.Repo.CompensationsForSaga(c, state.SagaID)
	c.JSON(http.StatusOK, gin.H{
		"saga_id":       state.SagaID,
		"type":          state.SagaType,
		"status":        state.Status,
		"error":         state.Error,
		"steps":         steps,
		"compensations": comps,
	})
}

func (api *API) dlqListHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	includeReplayed := c.Query("all") == "true"
	entries, err := api.Queue.List(c, limit, includeReplayed)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

type dlqReplayReq struct {
	EventID string `json:"event_id"`
	Limit   int    `json:"limit"`
}

func (api *API) dlqReplayHandler(c *gin.Context) {
	var req dlqReplayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.EventID != "" {
		if err := api.Queue.Replay(c, req.EventID, api.Projector.Consumer(), api.Projector.Apply); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"replayed": 1})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	n, err := api.Queue.ReplayBatch(c, req.Limit, api.Projector.Apply)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": n})
}

func pathAmount(c *gin.Context, amount string) (uint64, decimal.Decimal, bool) {
	id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return 0, decimal.Zero, false
	}
	return id, amt, true
}

func writeError(c *gin.Context, err error) {
	var verr *faults.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, view.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, saga.ErrSagaRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case faults.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
