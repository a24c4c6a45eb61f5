package schema

import "strings"

// headerAliases folds alternate spellings seen across portal versions and
// hand-edited exports onto the canonical column names. Keys are lower case.
var headerAliases = map[string]string{
	"date (utc)":                 ColDateUTC,
	"date":                       ColDate,
	"createddatetime":            ColDateUTC,
	"request id":                 ColRequestID,
	"requestid":                  ColRequestID,
	"id":                         ColRequestID,
	"correlation id":             ColCorrelationID,
	"correlationid":              ColCorrelationID,
	"user id":                    ColUserID,
	"userid":                     ColUserID,
	"user":                       ColUser,
	"userdisplayname":            ColUser,
	"username":                   ColUsername,
	"user principal name":        ColUsername,
	"userprincipalname":          ColUsername,
	"service principal id":       ColServicePrincipalID,
	"serviceprincipalid":         ColServicePrincipalID,
	"service principal name":     ColServicePrincipalName,
	"serviceprincipalname":       ColServicePrincipalName,
	"managed identity type":      ColManagedIdentityType,
	"managedidentitytype":        ColManagedIdentityType,
	"application":                ColApplication,
	"appdisplayname":             ColApplication,
	"application id":             ColApplicationID,
	"appid":                      ColApplicationID,
	"resource":                   ColResource,
	"resourcedisplayname":        ColResource,
	"resource id":                ColResourceID,
	"resourceid":                 ColResourceID,
	"ip address":                 ColIPAddress,
	"ipaddress":                  ColIPAddress,
	"location":                   ColLocation,
	"city":                       ColCity,
	"state":                      ColState,
	"country":                    ColCountry,
	"country/region":             ColCountry,
	"countryorregion":            ColCountry,
	"status":                     ColStatus,
	"sign-in error code":         ColErrorCode,
	"errorcode":                  ColErrorCode,
	"failure reason":             ColFailureReason,
	"failurereason":              ColFailureReason,
	"client app":                 ColClientApp,
	"clientappused":              ColClientApp,
	"user agent":                 ColUserAgent,
	"useragent":                  ColUserAgent,
	"device id":                  ColDeviceID,
	"deviceid":                   ColDeviceID,
	"browser":                    ColBrowser,
	"operating system":           ColOperatingSystem,
	"operatingsystem":            ColOperatingSystem,
	"compliant":                  ColCompliant,
	"iscompliant":                ColCompliant,
	"managed":                    ColManaged,
	"ismanaged":                  ColManaged,
	"join type":                  ColJoinType,
	"trusttype":                  ColJoinType,
	"multifactor authentication result":      ColMFAResult,
	"mfa result":                             ColMFAResult,
	"multifactor authentication auth method": ColMFAMethod,
	"mfa auth method":                        ColMFAMethod,
	"authentication requirement":             ColAuthRequirement,
	"authenticationrequirement":              ColAuthRequirement,
	"conditional access":                     ColConditionalAccess,
	"conditionalaccessstatus":                ColConditionalAccess,
	"latency":                                ColLatency,
	"processingtimeinmilliseconds":           ColLatency,
	"client credential type":                 ColClientCredentialType,
}

// NormalizeHeader strips a byte-order mark and surrounding whitespace and maps
// known spellings onto the canonical column name. Unknown headers are returned
// trimmed but otherwise unchanged.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.TrimSpace(h)
	if canonical, ok := headerAliases[strings.ToLower(h)]; ok {
		return canonical
	}
	return h
}

// NormalizeHeaders applies NormalizeHeader to every column.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = NormalizeHeader(h)
	}
	return out
}
