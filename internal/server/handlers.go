package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wysetrade-desk/internal/broker"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/query"
	"wysetrade-desk/internal/routes"
	"wysetrade-desk/internal/store"
	"wysetrade-desk/internal/workflow"
)

func (s *Server) health(c *gin.Context) {
	h, err := s.desk.Health(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// dashboard navigates to the tab in the path and returns the board.
func (s *Server) dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	tab, err := s.desk.NavigatePath(ctx, c.Request.URL.Path)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindValidation {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": apperrors.Message(err), "kind": apperrors.KindValidation})
			return
		}
		s.fail(c, err)
		return
	}
	board, err := s.desk.Board(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tab": tab, "path": tab.Path(), "board": board})
}

// loginCallback completes the broker login redirect and lands the user on
// the default tab.
func (s *Server) loginCallback(c *gin.Context) {
	if status := c.Query("status"); status != "" && status != "success" {
		s.fail(c, apperrors.NewValidationError("status", status, "Login was not completed"))
		return
	}
	token := c.Query("request_token")
	if token == "" {
		s.fail(c, apperrors.NewValidationError("request_token", token, "Missing request token"))
		return
	}
	if err := s.desk.CompleteLogin(c.Request.Context(), token); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info().Msg("Broker login completed")
	c.Redirect(http.StatusFound, routes.DefaultTab.Path())
}

func (s *Server) board(c *gin.Context) {
	board, err := s.desk.Board(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (s *Server) breakers(c *gin.Context) {
	stats, err := s.desk.Breakers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) scales(c *gin.Context) {
	board, err := s.desk.Board(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scales": broker.Scales, "current": board.Scale})
}

func (s *Server) setScale(c *gin.Context) {
	var body struct {
		Scale string `json:"scale"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.desk.SetScale(c.Request.Context(), body.Scale); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scale": body.Scale})
}

func (s *Server) connect(c *gin.Context) {
	url, err := s.desk.Connect(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) disconnect(c *gin.Context) {
	s.desk.Disconnect()
	c.JSON(http.StatusOK, gin.H{"connected": false})
}

func (s *Server) journal(c *gin.Context) {
	filter := store.JournalFilter{
		WorkflowID: c.Query("workflow_id"),
		OrderID:    c.Query("order_id"),
		Symbol:     c.Query("symbol"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(c, apperrors.NewValidationError("limit", raw, "Limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(c, apperrors.NewValidationError("since", raw, "Since must be an RFC 3339 time"))
			return
		}
		filter.Since = since
	}

	entries, err := s.desk.Journal(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func segmentParam(c *gin.Context) models.SegmentID {
	return models.SegmentID(c.Param("id"))
}

func (s *Server) segment(c *gin.Context) {
	v, err := s.desk.Segment(c.Request.Context(), segmentParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) setQuery(c *gin.Context) {
	var patch query.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.badRequest(c, err)
		return
	}
	v, err := s.desk.SetQuery(c.Request.Context(), segmentParam(c), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) refresh(c *gin.Context) {
	if err := s.desk.Refresh(c.Request.Context(), segmentParam(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) dismiss(c *gin.Context) {
	if err := s.desk.DismissError(c.Request.Context(), segmentParam(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) sync(c *gin.Context) {
	if err := s.desk.SyncInstruments(c.Request.Context(), segmentParam(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) syncHistory(c *gin.Context) {
	id := segmentParam(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	history, err := s.desk.SyncHistory(c.Request.Context(), id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"last_sync": s.desk.LastSync(id), "history": history})
}

func (s *Server) order(c *gin.Context) {
	v, err := s.desk.Order(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type openOrderRequest struct {
	Segment models.SegmentID `json:"segment"`
	Action  string           `json:"action"`
	Symbol  string           `json:"symbol"`
}

func (s *Server) openOrder(c *gin.Context) {
	var body openOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	action := models.OrderSide(strings.ToUpper(body.Action))
	v, err := s.desk.OpenOrder(c.Request.Context(), body.Segment, action, body.Symbol)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) editOrder(c *gin.Context) {
	var patch workflow.DraftPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.badRequest(c, err)
		return
	}
	v, err := s.desk.EditOrder(c.Request.Context(), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) submitOrder(c *gin.Context) {
	v, err := s.desk.SubmitOrder(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v)
}

func (s *Server) closeOrder(c *gin.Context) {
	if err := s.desk.CloseOrder(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
