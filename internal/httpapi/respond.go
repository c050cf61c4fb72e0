package httpapi

import (
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/store"
)

func errBody(code, message string) utils.H {
	return utils.H{"error": utils.H{"code": code, "message": message}}
}

func respondOK(c *app.RequestContext, data any) {
	c.JSON(consts.StatusOK, data)
}

// respondErr maps gateway errors onto HTTP statuses. Unclassified
// errors become opaque 500s; details go to the log, not the client.
func respondErr(c *app.RequestContext, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(consts.StatusNotFound, errBody("NOT_FOUND", "resource not found"))
		return
	}
	var ge *gwerr.Error
	if !errors.As(err, &ge) {
		c.JSON(consts.StatusInternalServerError, errBody("INTERNAL", "internal error"))
		return
	}
	c.JSON(statusFor(ge.Code), errBody(string(ge.Code), ge.Description))
}

func statusFor(code gwerr.Code) int {
	switch code {
	case gwerr.CodeBotNotFound, gwerr.CodeChatNotFound:
		return consts.StatusNotFound
	case gwerr.CodeBotDeleted:
		return consts.StatusGone
	case gwerr.CodeMissingToken, gwerr.CodeInvalidChatID, gwerr.CodeStartMediaRefsMax3,
		gwerr.CodeInvalidMediaSHA256, gwerr.CodeTextTooLong, gwerr.CodeBadRequest,
		gwerr.CodeMediaInvalid:
		return consts.StatusBadRequest
	case gwerr.CodeBotTokenNotSet, gwerr.CodeNoWarmupChat, gwerr.CodeEncryptionKeyMissing:
		return consts.StatusConflict
	case gwerr.CodeBotBlockedByUser, gwerr.CodeUserDeactivated, gwerr.CodeForbidden:
		return consts.StatusForbidden
	case gwerr.CodeQueueFull, gwerr.CodeRateLimitExceeded:
		return consts.StatusTooManyRequests
	case gwerr.CodeDuplicateInflight:
		return consts.StatusConflict
	case gwerr.CodeDatabaseNotAvailable:
		return consts.StatusServiceUnavailable
	default:
		return consts.StatusBadGateway
	}
}

func pathSlug(c *app.RequestContext) string {
	return c.Param("slug")
}

func pathID(c *app.RequestContext) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, gwerr.New(gwerr.CodeBadRequest, "invalid id in path")
	}
	return id, nil
}
