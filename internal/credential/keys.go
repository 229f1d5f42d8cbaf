package credential

// Key values for credential items.
const (
	SKCredential = "CREDENTIAL"
	GSI1PK       = "CREDENTIAL"
)

// Attribute names for DynamoDB items.
const (
	AttrAccountID            = "accountId"
	AttrAccessToken          = "accessToken"
	AttrRefreshToken         = "refreshToken"
	AttrExpiresAt            = "expiresAt"
	AttrLastRefreshedAt      = "lastRefreshedAt"
	AttrLastRefreshAttemptAt = "lastRefreshAttemptAt"
	AttrLastRefreshError     = "lastRefreshError"
	AttrUpdatedAt            = "updatedAt"
)
