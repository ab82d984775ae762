package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"libattend/internal/members"
)

func (h *handlers) registerMember(c *gin.Context) {
	var m members.Member
	if err := c.ShouldBindJSON(&m); err != nil {
		badRequest(c, err.Error())
		return
	}
	created, err := h.Members.Create(c.Request.Context(), m)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"member": created})
}

func (h *handlers) getMember(c *gin.Context) {
	m, err := h.Members.Get(c.Request.Context(), c.Param("usn"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": m})
}

// searchMembers never fails; a slow or broken database yields no results.
func (h *handlers) searchMembers(c *gin.Context) {
	results := h.Members.Search(c.Request.Context(), c.Param("query"))
	c.JSON(http.StatusOK, gin.H{"members": results})
}

func (h *handlers) listMembers(c *gin.Context) {
	var f members.ListFilter
	var err error
	f.Department = c.Query("department")
	if f.Semester, err = queryInt(c, "semester", 0); err != nil {
		badRequest(c, err.Error())
		return
	}
	if f.Limit, err = queryInt(c, "limit", 0); err != nil {
		badRequest(c, err.Error())
		return
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		badRequest(c, err.Error())
		return
	}
	list, err := h.Members.List(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": list, "count": len(list)})
}

func (h *handlers) updateMember(c *gin.Context) {
	var patch members.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	m, err := h.Members.Update(c.Request.Context(), c.Param("usn"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": m})
}

func (h *handlers) deleteMember(c *gin.Context) {
	if err := h.Members.Delete(c.Request.Context(), c.Param("usn")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) advanceTerms(c *gin.Context) {
	n, err := h.Members.AdvanceTerms(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": n})
}

type importRequest struct {
	Records []members.Record `json:"records"`
}

// importMembers accepts either {"records": [...]} or a text/csv body in the
// template layout. CSV rows that fail to parse are reported alongside the
// batch result and never reach the database.
func (h *handlers) importMembers(c *gin.Context) {
	var (
		records   []members.Record
		rowErrors []members.RowError
	)
	if strings.HasPrefix(c.ContentType(), "text/csv") {
		var err error
		records, rowErrors, err = members.ParseCSV(c.Request.Body)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
	} else {
		var req importRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		records = req.Records
	}

	res, err := h.Importer.ImportBatch(c.Request.Context(), records)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rowErrors == nil {
		rowErrors = []members.RowError{}
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "row_errors": rowErrors})
}

func (h *handlers) importTemplate(c *gin.Context) {
	c.Header("Content-Disposition", `attachment; filename="members_template.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(members.CSVTemplate()))
}
