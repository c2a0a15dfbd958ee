package types

// ContentType of a slide item
type ContentType string

const (
	ContentScript                    ContentType = "script"
	ContentFormFields                ContentType = "form_fields"
	ContentAddressForm               ContentType = "address_form"
	ContentBillingFields             ContentType = "billing_fields"
	ContentProductSelector           ContentType = "product_selector"
	ContentSubscriptionAuthorization ContentType = "subscription_authorization"
)

// Slide is one page of a call script
type Slide struct {
	Title        string         `json:"title,omitempty"`
	StartSlide   bool           `json:"startSlide,omitempty"`
	SlideContent []SlideContent `json:"slideContent"`
}

// SlideContent is a single renderable item on a slide
type SlideContent struct {
	Type       ContentType `json:"type"`
	Content    string      `json:"content,omitempty"`
	Disclaimer string      `json:"disclaimer,omitempty"`
	Required   bool        `json:"required,omitempty"`
	Fields     []FormField `json:"fields,omitempty"`
}

// FormField is an input on a form, address or billing item
type FormField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// PaymentInformation is entered on billing slides and never stored with the
// customer record
type PaymentInformation struct {
	Type            string `json:"type"`
	RoutingNumber   string `json:"routing_number"`
	AccountNumber   string `json:"account_number"`
	SelectedProduct string `json:"selected_product"`
	Frequency       string `json:"frequency"`
}

// Fields exposes the payment information for placeholder resolution
func (p PaymentInformation) Fields() map[string]any {
	return map[string]any{
		"type":             p.Type,
		"routing_number":   p.RoutingNumber,
		"account_number":   p.AccountNumber,
		"selected_product": p.SelectedProduct,
		"frequency":        p.Frequency,
	}
}
