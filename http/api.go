package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jkaberg/releasedl/transfer"
)

type addTransferRequest struct {
	ReleaseID   string `json:"releaseId" binding:"required"`
	Locator     string `json:"locator" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	DisplayName string `json:"displayName" binding:"required"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrSessionStarted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abort(ctx *gin.Context, err error) {
	_ = ctx.Error(err)
	ctx.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

var apiStartSessionHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if err := o.StartSession(); err != nil {
			abort(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"started": true})
	}
}

var apiAddTransferHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req addTransferRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := o.AddTransfer(req.ReleaseID, req.Locator, req.Destination, req.DisplayName); err != nil {
			abort(ctx, err)
			return
		}

		mt, _ := o.Get(req.ReleaseID)
		ctx.JSON(http.StatusCreated, mt)
	}
}

var apiListTransfersHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, o.ListManaged())
	}
}

var apiTransferHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		mt, ok := o.Get(ctx.Param("id"))
		if !ok {
			abort(ctx, transfer.ErrNotFound)
			return
		}
		ctx.JSON(http.StatusOK, mt)
	}
}

// unknown ids report zero progress rather than an error
var apiProgressHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.Param("id")
		ctx.JSON(http.StatusOK, gin.H{"releaseId": id, "progress": o.GetProgress(id)})
	}
}

var apiPauseHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if err := o.PauseTransfer(ctx.Param("id")); err != nil {
			abort(ctx, err)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

var apiResumeHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if err := o.ResumeTransfer(ctx.Param("id")); err != nil {
			abort(ctx, err)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

var apiPauseAllHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		o.PauseAll()
		ctx.Status(http.StatusNoContent)
	}
}

var apiResumeAllHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		o.ResumeAll()
		ctx.Status(http.StatusNoContent)
	}
}

var apiCompletedHandler = func(o Commander) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		recs, err := o.ListCompleted()
		if err != nil {
			abort(ctx, err)
			return
		}
		if recs == nil {
			recs = []transfer.CompletedTransferRecord{}
		}
		ctx.JSON(http.StatusOK, recs)
	}
}
