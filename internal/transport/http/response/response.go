package response

import "github.com/gin-gonic/gin"

const (
	CodeOK                     = 0
	CodeBadRequest             = 40000
	CodeEmailExists            = 40002
	CodeInvalidSignature       = 40003
	CodeUnauthorized           = 40100
	CodeInvalidCredentials     = 40101
	CodeQuotaExceeded          = 40301
	CodeSessionNotFound        = 40401
	CodeRateLimited            = 42900
	CodeStreamCanceled         = 49900
	CodeInternalServer         = 50000
	CodeUpstreamError          = 50200
	CodeUpstreamUnavailable    = 50300
	CodePersistenceUnavailable = 50301
	CodeBillingUnavailable     = 50302
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
