package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// sanitizeBase normalizes the API prefix to "/seg[/seg...]" or "" for root.
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeOK(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) }

func writeError(c *gin.Context, code int, msg string) {
	writeJSON(c, code, errorResp{Error: msg})
}
