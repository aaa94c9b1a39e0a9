package main

import "fmt"

// Messages returned to clients. Kept as constants so tests can assert on them.
const (
	ErrMessageAlreadyOccupied = "This passcode is already in use. Pick another passcode or wait until its content expires."
	ErrMessageDeniedPasscode  = "This passcode is denied."
	ErrMessageEmptyBody       = "Request body is empty. Send a file or some text."
	ErrMessageExpired         = "Content for this passcode has expired and was deleted."
	ErrMessageInternalError   = "An internal error has occurred. Please report this to the server operator."
	ErrMessageNotFound        = "No content found for this passcode."
)

func errMessageTooLarge(maxSize int64) string {
	return fmt.Sprintf("Content is larger than the maximum allowed size of %d bytes.", maxSize)
}

type ServerError struct {
	Message    string
	StatusCode int
}

func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

func (e *ServerError) Error() string {
	return e.Message
}
