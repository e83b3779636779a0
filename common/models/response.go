package models

// BaseResponse is the envelope for successful JSON responses
type BaseResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse is the envelope for error JSON responses
type ErrorResponse struct {
	Error string `json:"error"`
	Msg   string `json:"message"`
}
