package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/segu239/whatsapp-backend-standalone/internal/service"
	"github.com/segu239/whatsapp-backend-standalone/internal/store"
)

type handler struct {
	svc RelayService
	log *slog.Logger
}

type sendMessageRequest struct {
	To       string `json:"to" binding:"required"`
	Body     string `json:"body" binding:"required_without=MediaURL"`
	MediaURL string `json:"media_url" binding:"omitempty,url"`
	Filename string `json:"filename" binding:"required_with=MediaURL"`
	Caption  string `json:"caption"`
}

type broadcastRequest struct {
	Recipients []string `json:"recipients" binding:"required,min=1,dive,required"`
	Body       string   `json:"body" binding:"required"`
}

type createScheduleRequest struct {
	To       string     `json:"to" binding:"required"`
	Body     string     `json:"body" binding:"required_without=MediaURL"`
	MediaURL string     `json:"media_url" binding:"omitempty,url"`
	Filename string     `json:"filename" binding:"required_with=MediaURL"`
	Caption  string     `json:"caption"`
	CronExpr string     `json:"cron_expr"`
	FireAt   *time.Time `json:"fire_at"`
}

type deliveryResponse struct {
	ID                int64  `json:"id"`
	ScheduleID        int64  `json:"schedule_id,omitempty"`
	Recipient         string `json:"recipient"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
	SentAt            string `json:"sent_at"`
}

func toDeliveryResponse(d *store.Delivery) deliveryResponse {
	return deliveryResponse{
		ID:                d.ID,
		ScheduleID:        d.ScheduleID,
		Recipient:         d.Recipient,
		ProviderMessageID: d.ProviderMessageID,
		Status:            string(d.Status),
		Error:             d.Error,
		SentAt:            d.SentAt.Format(time.RFC3339),
	}
}

type scheduleResponse struct {
	ID        int64      `json:"id"`
	Recipient string     `json:"recipient"`
	Body      string     `json:"body"`
	MediaURL  string     `json:"media_url,omitempty"`
	Filename  string     `json:"filename,omitempty"`
	Caption   string     `json:"caption,omitempty"`
	CronExpr  string     `json:"cron_expr,omitempty"`
	FireAt    *time.Time `json:"fire_at,omitempty"`
	Status    string     `json:"status"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
}

func toScheduleResponse(sc *store.Schedule) scheduleResponse {
	return scheduleResponse{
		ID:        sc.ID,
		Recipient: sc.Recipient,
		Body:      sc.Body,
		MediaURL:  sc.MediaURL,
		Filename:  sc.Filename,
		Caption:   sc.Caption,
		CronExpr:  sc.CronExpr,
		FireAt:    sc.FireAt,
		Status:    string(sc.Status),
		CreatedAt: sc.CreatedAt.Format(time.RFC3339),
		UpdatedAt: sc.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.svc.SendNow(c.Request.Context(), service.Message{
		To:       req.To,
		Body:     req.Body,
		MediaURL: req.MediaURL,
		Filename: req.Filename,
		Caption:  req.Caption,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDeliveryResponse(d))
}

type broadcastEntry struct {
	Recipient         string `json:"recipient"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

func (h *handler) broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := h.svc.Broadcast(c.Request.Context(), req.Recipients, req.Body)

	entries := make([]broadcastEntry, len(results))
	failed := 0
	for i, r := range results {
		entries[i] = broadcastEntry{Recipient: r.Recipient, ProviderMessageID: r.ProviderMessageID}
		if r.Err != nil {
			entries[i].Error = r.Err.Error()
			failed++
		}
	}

	// 207 signals mixed per-recipient outcomes; all failed maps to 502.
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
		if failed == len(results) {
			status = http.StatusBadGateway
		}
	}
	c.JSON(status, gin.H{
		"results": entries,
		"sent":    len(results) - failed,
		"failed":  failed,
	})
}

func (h *handler) createSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sc := &store.Schedule{
		Recipient: req.To,
		Body:      req.Body,
		MediaURL:  req.MediaURL,
		Filename:  req.Filename,
		Caption:   req.Caption,
		CronExpr:  req.CronExpr,
		FireAt:    req.FireAt,
	}
	if err := h.svc.CreateSchedule(c.Request.Context(), sc); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toScheduleResponse(sc))
}

func (h *handler) listSchedules(c *gin.Context) {
	schedules, err := h.svc.ListSchedules(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]scheduleResponse, len(schedules))
	for i := range schedules {
		out[i] = toScheduleResponse(&schedules[i])
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

func (h *handler) getSchedule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sc, err := h.svc.GetSchedule(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toScheduleResponse(sc))
}

func (h *handler) cancelSchedule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	// purge=true removes a settled schedule row entirely instead of
	// marking it canceled.
	if c.Query("purge") == "true" {
		if err := h.svc.DeleteSchedule(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
		return
	}
	if err := h.svc.CancelSchedule(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

func (h *handler) listDeliveries(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	deliveries, err := h.svc.ListDeliveries(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]deliveryResponse, len(deliveries))
	for i := range deliveries {
		out[i] = toDeliveryResponse(&deliveries[i])
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": out})
}

func (h *handler) dispatch(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, err := h.svc.Dispatch(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDeliveryResponse(d))
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}
