package billing

// TierLimits holds the capabilities and numeric limits a plan grants.
type TierLimits struct {
	CanPublish       bool
	MaxPublicAssets  int
	MaxCodeSizeKB    int
	DailyUploadLimit int
}

// ProTier is granted while a subscription is active or trialing.
var ProTier = TierLimits{
	CanPublish:       true,
	MaxPublicAssets:  500,
	MaxCodeSizeKB:    1024,
	DailyUploadLimit: 50,
}

// FreeTier is granted at signup and whenever a subscription lapses.
var FreeTier = TierLimits{
	CanPublish:       false,
	MaxPublicAssets:  50,
	MaxCodeSizeKB:    256,
	DailyUploadLimit: 10,
}

// StatusGrantsPublish reports whether a subscription status confers the paid
// tier. Every other status, including past_due and canceled, falls back to
// the free tier.
func StatusGrantsPublish(status string) bool {
	return status == "active" || status == "trialing"
}

// TierForStatus returns the limits a subscription status grants.
func TierForStatus(status string) TierLimits {
	if StatusGrantsPublish(status) {
		return ProTier
	}
	return FreeTier
}
