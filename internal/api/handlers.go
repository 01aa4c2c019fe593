package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/shopdesk/internal/mailqueue"
	"github.com/gotrs-io/shopdesk/internal/models"
	"github.com/gotrs-io/shopdesk/internal/repository"
	"github.com/gotrs-io/shopdesk/internal/tickets"
)

type replyRequest struct {
	Body        string   `json:"body" binding:"required"`
	AuthorEmail string   `json:"author_email"`
	AuthorName  string   `json:"author_name"`
	Attachments []string `json:"attachments"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	if s.queue == nil {
		unavailable(c, "outbound queue")
		return
	}
	st, err := s.queue.Status(c.Request.Context())
	if err != nil {
		s.logger.Printf("queue status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to read queue status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": st})
}

func (s *Server) handleQueueRetry(c *gin.Context) {
	if s.queue == nil {
		unavailable(c, "outbound queue")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	err := s.queue.RetryFailed(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"id": id, "status": mailqueue.StatusPending}})
	case errors.Is(err, mailqueue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Queue item not found"})
	case errors.Is(err, mailqueue.ErrNotFailed):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "Only failed emails can be retried"})
	default:
		s.logger.Printf("retry email %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to retry email"})
	}
}

func (s *Server) handleTicketReply(c *gin.Context) {
	if s.tickets == nil {
		unavailable(c, "ticket service")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Reply body is required"})
		return
	}
	res, err := s.tickets.Reply(c.Request.Context(), id, tickets.ReplyInput{
		Body:        req.Body,
		AuthorEmail: req.AuthorEmail,
		AuthorName:  req.AuthorName,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.ticketError(c, id, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": res})
}

func (s *Server) handleTicketStatus(c *gin.Context) {
	if s.tickets == nil {
		unavailable(c, "ticket service")
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Status is required"})
		return
	}
	status := models.TicketStatus(req.Status)
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Unknown status " + strconv.Quote(req.Status)})
		return
	}
	next, err := s.tickets.SetStatus(c.Request.Context(), id, status)
	if err != nil {
		s.ticketError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"id": id, "status": next}})
}

func (s *Server) ticketError(c *gin.Context, id int64, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Ticket not found"})
	case errors.Is(err, tickets.ErrEmptyReply):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, tickets.ErrAttachmentNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": tickets.ErrAttachmentNotAllowed.Error()})
	case errors.Is(err, tickets.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, tickets.ErrNoOutbox):
		unavailable(c, "outbound queue")
	default:
		s.logger.Printf("ticket %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to update ticket"})
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid id"})
		return 0, false
	}
	return id, true
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": what + " is not configured"})
}
