package common

// AuthorizationHeaderName carries the Bearer access token on API requests.
const AuthorizationHeaderName = "Authorization"

// ReconcileLockKey is the key of the distributed lock taken by reconciliation runs.
const ReconcileLockKey = "motivearchive:reconcile"
