// Package script resolves call script placeholders and navigates slides.
package script

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
)

var placeholderRe = regexp.MustCompile(`\{([^}]+)\}`)

// Namespaces recognised in `{Namespace.field}` tokens
const (
	NamespaceCustomer = "Customer"
	NamespaceBilling  = "Billing"
	NamespaceAgent    = "Agent"
)

// Data is the lookup source for placeholder substitution
type Data struct {
	Customer map[string]any
	Billing  map[string]any
	Agent    map[string]any
}

// Resolve substitutes every `{Namespace.field}` token in text. Known
// namespaces resolve to the field value or an empty string when the field is
// missing or empty; tokens with an unknown namespace are left as written.
func Resolve(text string, data Data) string {
	if text == "" {
		return text
	}

	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		inner := match[1 : len(match)-1]
		namespace, field, _ := strings.Cut(inner, ".")
		// only the first two segments address a value
		field, _, _ = strings.Cut(field, ".")

		switch namespace {
		case NamespaceCustomer:
			return lookup(data.Customer, field)
		case NamespaceBilling:
			return lookup(data.Billing, field)
		case NamespaceAgent:
			return lookup(data.Agent, field)
		default:
			return match
		}
	})
}

func lookup(m map[string]any, field string) string {
	v, ok := m[field]
	if !ok || empty(v) {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", val), "0"), ".")
	default:
		return fmt.Sprint(val)
	}
}

// empty mirrors falsy form values: nil, "", false and 0
func empty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case float64:
		return val == 0
	case int:
		return val == 0
	default:
		return false
	}
}

// RenderSlide returns a copy of slide with placeholders resolved in every
// script item and authorization disclaimer
func RenderSlide(slide types.Slide, data Data) types.Slide {
	out := slide
	out.SlideContent = make([]types.SlideContent, len(slide.SlideContent))
	for i, item := range slide.SlideContent {
		switch item.Type {
		case types.ContentScript:
			item.Content = Resolve(item.Content, data)
		case types.ContentSubscriptionAuthorization:
			item.Content = Resolve(item.Content, data)
			item.Disclaimer = Resolve(item.Disclaimer, data)
		}
		out.SlideContent[i] = item
	}
	return out
}
