package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"libattend/internal/attendance"
)

type checkOutRequest struct {
	USN         string `json:"usn" binding:"required"`
	ResourceTag string `json:"resource_tag"`
}

func (h *handlers) checkIn(c *gin.Context) {
	var req attendance.CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	v, err := h.Ledger.CheckIn(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"visit": v})
}

func (h *handlers) checkOut(c *gin.Context) {
	var req checkOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	v, err := h.Ledger.CheckOut(c.Request.Context(), req.USN, req.ResourceTag)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visit": v})
}

func (h *handlers) openVisits(c *gin.Context) {
	visits, err := h.Ledger.ListOpenVisits(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits, "count": len(visits)})
}

// visitsByDate serves ?from=&to= where both accept a date or an RFC 3339
// timestamp. A bare "to" date includes that whole day.
func (h *handlers) visitsByDate(c *gin.Context) {
	from, err := parseBound(c.Query("from"), h.Location, false)
	if err != nil {
		badRequest(c, "from: "+err.Error())
		return
	}
	to, err := parseBound(c.Query("to"), h.Location, true)
	if err != nil {
		badRequest(c, "to: "+err.Error())
		return
	}
	visits, err := h.Ledger.ListByDateRange(c.Request.Context(), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits, "count": len(visits)})
}

func (h *handlers) recentVisits(c *gin.Context) {
	limit, err := queryInt(c, "limit", 10)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	visits, err := h.Ledger.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits})
}

func (h *handlers) memberHistory(c *gin.Context) {
	visits, err := h.Ledger.History(c.Request.Context(), c.Param("usn"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits})
}

func (h *handlers) purgeVisits(c *gin.Context) {
	before, err := parseBound(c.Query("before"), h.Location, false)
	if err != nil {
		badRequest(c, "before: "+err.Error())
		return
	}
	n, err := h.Ledger.PurgeClosedVisits(c.Request.Context(), before)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *handlers) stats(c *gin.Context) {
	st, err := h.Ledger.Stats(c.Request.Context(), h.Clock())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func parseBound(s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, errMissing
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	day, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, errBadTime
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1)
	}
	return day.UTC(), nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errBadInt(key)
	}
	return n, nil
}
