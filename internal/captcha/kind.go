package captcha

// Kind identifies a CAPTCHA provider widget.
type Kind string

const (
	KindNone      Kind = "none"
	KindTurnstile Kind = "turnstile"
	KindRecaptcha Kind = "recaptcha"
	KindHCaptcha  Kind = "hcaptcha"
)

// TaskType is the CapSolver task type for the kind, or "" when the service
// cannot solve it.
func (k Kind) TaskType() string {
	switch k {
	case KindTurnstile:
		return "AntiTurnstileTaskProxyLess"
	case KindRecaptcha:
		return "ReCaptchaV2TaskProxyLess"
	case KindHCaptcha:
		return "HCaptchaTaskProxyLess"
	}
	return ""
}

// responseField is the name of the hidden field the provider reads the
// token from.
func (k Kind) responseField() string {
	switch k {
	case KindTurnstile:
		return "cf-turnstile-response"
	case KindRecaptcha:
		return "g-recaptcha-response"
	case KindHCaptcha:
		return "h-captcha-response"
	}
	return ""
}
