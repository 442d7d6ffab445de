package providererr

import (
	"time"

	"omnigate/internal/config"
	"omnigate/internal/domain"
)

// Policy decides when an error type disables a credential. Immediate
// policies disable on first sight; windowed policies require
// RequiredOccurrences within TimeWindow.
type Policy struct {
	DisableImmediately  bool
	RequiredOccurrences int
	TimeWindow          time.Duration
}

// defaultPolicies is the built-in disable policy table. Error types absent
// from the table never disable a credential.
func defaultPolicies() map[domain.ProviderErrorType]Policy {
	return map[domain.ProviderErrorType]Policy{
		domain.ErrorTypeInvalidAPIKey:     {DisableImmediately: true},
		domain.ErrorTypeAccountSuspended:  {DisableImmediately: true},
		domain.ErrorTypePaymentRequired:   {DisableImmediately: true},
		domain.ErrorTypePermissionDenied:  {DisableImmediately: true},
		domain.ErrorTypeInsufficientQuota: {DisableImmediately: true},

		domain.ErrorTypeTimeout:            {RequiredOccurrences: 10, TimeWindow: 5 * time.Minute},
		domain.ErrorTypeNetworkError:       {RequiredOccurrences: 10, TimeWindow: 5 * time.Minute},
		domain.ErrorTypeRateLimit:          {RequiredOccurrences: 20, TimeWindow: 10 * time.Minute},
		domain.ErrorTypeServiceUnavailable: {RequiredOccurrences: 15, TimeWindow: 10 * time.Minute},
		domain.ErrorTypeInternalError:      {RequiredOccurrences: 15, TimeWindow: 10 * time.Minute},
	}
}

// buildPolicies layers config overrides on the built-in table.
func buildPolicies(overrides map[string]config.PolicyRule) map[domain.ProviderErrorType]Policy {
	policies := defaultPolicies()
	for name, rule := range overrides {
		policies[domain.ProviderErrorType(name)] = Policy{
			DisableImmediately:  rule.DisableImmediately,
			RequiredOccurrences: rule.RequiredOccurrences,
			TimeWindow:          rule.TimeWindow.Duration,
		}
	}
	return policies
}
