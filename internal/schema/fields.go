package schema

// Canonical field names. Definitions map these onto export column headers.
const (
	FieldTimestamp            = "timestamp"
	FieldRequestID            = "request_id"
	FieldCorrelationID        = "correlation_id"
	FieldUserID               = "user_id"
	FieldUserDisplayName      = "user_display_name"
	FieldUserPrincipalName    = "user_principal_name"
	FieldServicePrincipalID   = "service_principal_id"
	FieldServicePrincipalName = "service_principal_name"
	FieldManagedIdentityType  = "managed_identity_type"
	FieldAppName              = "app_name"
	FieldAppID                = "app_id"
	FieldResourceName         = "resource_name"
	FieldResourceID           = "resource_id"
	FieldIPAddress            = "ip_address"
	FieldLocation             = "location"
	FieldCity                 = "city"
	FieldState                = "state"
	FieldCountry              = "country"
	FieldStatus               = "status"
	FieldErrorCode            = "error_code"
	FieldFailureReason        = "failure_reason"
	FieldClientApp            = "client_app"
	FieldUserAgent            = "user_agent"
	FieldDeviceID             = "device_id"
	FieldBrowser              = "browser"
	FieldOperatingSystem      = "operating_system"
	FieldCompliant            = "device_compliant"
	FieldManaged              = "device_managed"
	FieldJoinType             = "join_type"
	FieldMFAResult            = "mfa_result"
	FieldMFAMethod            = "mfa_method"
	FieldAuthRequirement      = "auth_requirement"
	FieldConditionalAccess    = "conditional_access"
	FieldLatency              = "latency"
)

// Export column headers, spelled the way the exports spell them.
const (
	ColDate                 = "Date"
	ColDateUTC              = "Date (UTC)"
	ColRequestID            = "Request ID"
	ColCorrelationID        = "Correlation ID"
	ColUserID               = "User ID"
	ColUser                 = "User"
	ColUsername             = "Username"
	ColServicePrincipalID   = "Service principal ID"
	ColServicePrincipalName = "Service principal name"
	ColManagedIdentityType  = "Managed Identity type"
	ColApplication          = "Application"
	ColApplicationID        = "Application ID"
	ColResource             = "Resource"
	ColResourceID           = "Resource ID"
	ColIPAddress            = "IP address"
	ColLocation             = "Location"
	ColCity                 = "City"
	ColState                = "State"
	ColCountry              = "Country"
	ColStatus               = "Status"
	ColErrorCode            = "Sign-in error code"
	ColFailureReason        = "Failure reason"
	ColClientApp            = "Client app"
	ColUserAgent            = "User agent"
	ColDeviceID             = "Device ID"
	ColBrowser              = "Browser"
	ColOperatingSystem      = "Operating System"
	ColCompliant            = "Compliant"
	ColManaged              = "Managed"
	ColJoinType             = "Join Type"
	ColMFAResult            = "Multifactor authentication result"
	ColMFAMethod            = "Multifactor authentication auth method"
	ColAuthRequirement      = "Authentication requirement"
	ColConditionalAccess    = "Conditional Access"
	ColLatency              = "Latency"
	ColClientCredentialType = "Client credential type"
)
