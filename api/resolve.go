package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/config"
	"github.com/ppphp/portago-resolver/pkg/emerge"
	"github.com/ppphp/portago-resolver/pkg/emerge/playground"
)

// ResolveRequest is the body of POST /resolve. Playground is a playground
// file in YAML; its cases are ignored.
type ResolveRequest struct {
	Playground string            `json:"playground" binding:"required"`
	Args       []string          `json:"args" binding:"required"`
	Options    map[string]string `json:"options"`
}

// ResolveResponse is returned for every resolution that ran, successful or
// not.
type ResolveResponse struct {
	Session                string   `json:"session"`
	Success                bool     `json:"success"`
	State                  string   `json:"state"`
	Attempts               int      `json:"attempts"`
	MergeList              []string `json:"mergelist"`
	Problems               string   `json:"problems,omitempty"`
	ConfigChangesWouldHelp bool     `json:"config_changes_would_help"`
}

// ErrorResponse is returned when no resolution could run.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type handlers struct {
	resolver config.Resolver
	log      *logrus.Entry
}

func (h *handlers) postResolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	pg, err := playground.Load(strings.NewReader(req.Playground))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_PLAYGROUND"})
		return
	}
	defer pg.Close()
	pg.Log = h.log
	pg.PrefetchWorkers = h.resolver.PrefetchWorkers

	res, err := pg.Run(c.Request.Context(), req.Args, h.resolver.Merge(req.Options))
	if err != nil {
		h.log.WithError(err).WithField("args", req.Args).Info("resolution rejected")
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENTS"})
		return
	}

	r := res.Resolution
	resp := ResolveResponse{
		Session:   r.Depgraph.ID.String(),
		Success:   res.Success,
		State:     r.State.String(),
		Attempts:  r.Attempts,
		MergeList: res.MergeList,
	}
	if !res.Success {
		var buf bytes.Buffer
		r.Depgraph.DisplayProblems(&buf)
		resp.Problems = buf.String()
		var rerr *emerge.ResolutionError
		if errors.As(r.Err(), &rerr) {
			resp.ConfigChangesWouldHelp = rerr.ConfigChangesWouldHelp
		}
	}
	if resp.MergeList == nil {
		resp.MergeList = []string{}
	}
	c.JSON(http.StatusOK, resp)
}
