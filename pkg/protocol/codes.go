package protocol

// Transport close codes. The 1xxx range follows the WebSocket registry; the
// 4xxx range is NovaMesh application codes assigned by the server.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseAbnormal       = 1006
	CloseServiceRestart = 1012
	CloseTryAgainLater  = 1013
	CloseTLSFailure     = 1015

	CloseAuthFailed  = 4001
	CloseKicked      = 4002
	CloseChatDeleted = 4003
)

// Application close-code range reserved for auth-class failures. Codes here
// are never retried automatically.
const (
	AppCloseRangeStart = 4000
	AppCloseRangeEnd   = 4099
)

// Disconnect packet reasons at or above this value are application-level and
// suppress automatic reconnection.
const FatalDisconnectReason = 4000

// Error packet codes below this value are flagged retryable to callers.
const RetryableErrorCeiling = 5000

// IsPossibleCertIssue reports whether a close code commonly indicates a TLS
// or certificate problem worth surfacing to the operator.
func IsPossibleCertIssue(code int) bool {
	return code == CloseAbnormal || code == CloseTLSFailure
}

// IsAppAuthClose reports whether a close code falls in the application auth
// failure range.
func IsAppAuthClose(code int) bool {
	return code >= AppCloseRangeStart && code <= AppCloseRangeEnd
}
