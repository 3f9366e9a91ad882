package handler

const (
	errInternalServer = "Internal server error"
	errTokenInvalid   = "Token is invalid or expired"
)
