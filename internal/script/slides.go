package script

import (
	"strings"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
)

// StartIndex returns the index of the first slide flagged startSlide, or 0
func StartIndex(slides []types.Slide) int {
	for i, s := range slides {
		if s.StartSlide {
			return i
		}
	}
	return 0
}

// Inputs are the values entered so far on a call
type Inputs struct {
	Form               map[string]any
	Billing            map[string]any
	DisclaimerAccepted bool
}

// MissingRequired lists the required inputs on slide that are still blank.
// Form and address fields read Form, billing fields read Billing.
func MissingRequired(slide types.Slide, in Inputs) []string {
	var missing []string
	for _, item := range slide.SlideContent {
		switch item.Type {
		case types.ContentFormFields, types.ContentAddressForm:
			missing = appendBlank(missing, item.Fields, in.Form)
		case types.ContentBillingFields:
			missing = appendBlank(missing, item.Fields, in.Billing)
		case types.ContentProductSelector:
			if item.Required && blank(in.Billing["selected_product"]) {
				missing = append(missing, "selected_product")
			}
		case types.ContentSubscriptionAuthorization:
			if item.Required && !in.DisclaimerAccepted {
				missing = append(missing, "disclaimer_accept")
			}
		}
	}
	return missing
}

func appendBlank(missing []string, fields []types.FormField, values map[string]any) []string {
	for _, f := range fields {
		if f.Required && blank(values[f.Name]) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

func blank(v any) bool {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return empty(v)
}
