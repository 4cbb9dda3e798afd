package errutil

import "net/http"

type CoreStatus string

const (
	StatusBadRequest           CoreStatus = "BAD_REQUEST"
	StatusUnauthorized         CoreStatus = "UNAUTHORIZED"
	StatusForbidden            CoreStatus = "FORBIDDEN"
	StatusNotFound             CoreStatus = "NOT_FOUND"
	StatusConflict             CoreStatus = "CONFLICT"
	StatusUnprocessableEntity  CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusUnsupportedMediaType CoreStatus = "UNSUPPORTED_MEDIA_TYPE"
	StatusRequestTooLarge      CoreStatus = "REQUEST_TOO_LARGE"
	StatusTimeout              CoreStatus = "TIMEOUT"
	StatusInternal             CoreStatus = "INTERNAL"
	StatusBadGateway           CoreStatus = "BAD_GATEWAY"

	// Data and action core error kinds.
	StatusDataInvalid          CoreStatus = "DATA_INVALID"
	StatusKeyViolation         CoreStatus = "KEY_VIOLATION"
	StatusCategoryViolation    CoreStatus = "CATEGORY_VIOLATION"
	StatusFormulaUnknownColumn CoreStatus = "FORMULA_UNKNOWN_COLUMN"
	StatusFormulaType          CoreStatus = "FORMULA_TYPE"
	StatusFormulaParse         CoreStatus = "FORMULA_PARSE"
	StatusMergeEmpty           CoreStatus = "MERGE_EMPTY"
	StatusMergeNoKey           CoreStatus = "MERGE_NO_KEY"
	StatusMergeBadParams       CoreStatus = "MERGE_BAD_PARAMS"
	StatusMergeKeyLost         CoreStatus = "MERGE_KEY_LOST"
	StatusTemplateParse        CoreStatus = "TEMPLATE_PARSE"
	StatusRunRowFailure        CoreStatus = "RUN_ROW_FAILURE"
	StatusRunFatal             CoreStatus = "RUN_FATAL"
	StatusSchedLocked          CoreStatus = "SCHED_LOCKED"
	StatusAuthExpired          CoreStatus = "AUTH_EXPIRED"
)

func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusFormulaUnknownColumn, StatusFormulaType, StatusFormulaParse,
		StatusTemplateParse, StatusMergeBadParams:
		return http.StatusBadRequest
	case StatusUnauthorized, StatusAuthExpired:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusSchedLocked:
		return http.StatusConflict
	case StatusUnprocessableEntity, StatusDataInvalid, StatusKeyViolation, StatusCategoryViolation,
		StatusMergeEmpty, StatusMergeNoKey, StatusMergeKeyLost, StatusRunFatal:
		return http.StatusUnprocessableEntity
	case StatusUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case StatusRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusBadGateway, StatusRunRowFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
