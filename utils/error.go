package utils

import "errors"

// Expected-outcome errors surfaced to callers with a specific code.
// The HTTP layer maps them to status codes; the workflow never wraps them.
var (
	ErrorRecordNotFound      = errors.New("record not found")
	ErrorForbidden           = errors.New("forbidden")
	ErrorInvalidStatus       = errors.New("operation status does not permit this action")
	ErrorInsufficientBalance = errors.New("insufficient balance")
	ErrorExpired             = errors.New("confirmation window expired")
	ErrorOperationBusy       = errors.New("operation is already being processed")
	ErrorUnknownPackage      = errors.New("unknown package index")
	ErrorInvalidCardNumber   = errors.New("card number must be 10 to 16 digits")
	ErrorQueueUnavailable    = errors.New("job queue not ready")
)

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
