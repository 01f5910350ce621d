package relayd

import (
	"fmt"
)

// ExtensionType categorizes SMTP extensions by their nature.
type ExtensionType int

const (
	// ExtTypeIntrinsic extensions are always enabled and fundamental to modern SMTP.
	// These include: ENHANCEDSTATUSCODES, PIPELINING, 8BITMIME, SMTPUTF8.
	ExtTypeIntrinsic ExtensionType = iota

	// ExtTypeOptIn extensions must be explicitly enabled.
	// These include: DSN, AUTH, STARTTLS.
	ExtTypeOptIn
)

// ExtensionInfo provides metadata about an SMTP extension.
type ExtensionInfo struct {
	Name         Extension
	Type         ExtensionType
	RFC          string
	Description  string
	Dependencies []Extension
}

// IntrinsicExtensions are always enabled.
var IntrinsicExtensions = []ExtensionInfo{
	{ExtEnhancedStatusCodes, ExtTypeIntrinsic, "RFC 2034", "Enhanced status codes", nil},
	{Ext8BitMIME, ExtTypeIntrinsic, "RFC 6152", "8-bit MIME transport", nil},
	{ExtSMTPUTF8, ExtTypeIntrinsic, "RFC 6531", "Internationalized email", []Extension{Ext8BitMIME}},
	{ExtPipelining, ExtTypeIntrinsic, "RFC 2920", "Command pipelining", nil},
	{ExtRequireTLS, ExtTypeIntrinsic, "RFC 8689", "Require TLS for transmission", []Extension{ExtSTARTTLS}},
}

// OptInExtensions require explicit configuration.
var OptInExtensions = []ExtensionInfo{
	{ExtSTARTTLS, ExtTypeOptIn, "RFC 3207", "TLS encryption upgrade", nil},
	{ExtAuth, ExtTypeOptIn, "RFC 4954", "SMTP authentication", nil},
	{ExtSize, ExtTypeOptIn, "RFC 1870", "Message size declaration", nil},
	{ExtDSN, ExtTypeOptIn, "RFC 3461", "Delivery Status Notifications", nil},
}

// DSN enables Delivery Status Notifications (RFC 3461).
func DSN() ExtensionConfig {
	return ExtensionConfig{
		Name:    ExtDSN,
		Enabled: true,
	}
}

// Size returns a SIZE (RFC 1870) extension config carrying maxSize.
// ServerBuilder.Build ignores it; the advertised SIZE value comes from
// MaxMessageSize.
func Size(maxSize int64) ExtensionConfig {
	return ExtensionConfig{
		Name:    ExtSize,
		Enabled: true,
		Params: map[string]any{
			"maxSize": maxSize,
		},
	}
}

// WithAllExtensions returns the opt-in extension configs that ServerBuilder
// acts on, which is DSN only.
func WithAllExtensions() []ExtensionConfig {
	return []ExtensionConfig{
		DSN(),
	}
}

// WithSubmissionExtensions returns extensions suitable for a mail submission agent (MSA).
func WithSubmissionExtensions() []ExtensionConfig {
	return []ExtensionConfig{
		DSN(),
	}
}

// ValidateExtensions checks that the dependencies of every enabled opt-in
// extension are met. Intrinsic extensions count as enabled; their own
// dependencies are not checked.
func ValidateExtensions(extensions []ExtensionConfig) error {
	enabled := make(map[Extension]bool)
	for _, ext := range extensions {
		if ext.Enabled {
			enabled[ext.Name] = true
		}
	}

	for _, ext := range IntrinsicExtensions {
		enabled[ext.Name] = true
	}

	for _, ext := range OptInExtensions {
		if enabled[ext.Name] {
			for _, dep := range ext.Dependencies {
				if !enabled[dep] {
					return fmt.Errorf("extension %s requires %s", ext.Name, dep)
				}
			}
		}
	}

	return nil
}
