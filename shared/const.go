package shared

const (
	UserID      = "user_id"
	AccountRole = "account_role"

	RoleAdmin = "admin"

	AttemptStatusSuccess        = "SUCCESS"
	AttemptStatusFailed         = "FAILED"
	AttemptStatusFallbackOK     = "FALLBACK_SUCCESS"
	AttemptStatusFallbackFailed = "FALLBACK_FAILED"
)
