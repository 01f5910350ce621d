package relayd

import "testing"

func TestResponseExceededStorage_EnhancedCodeDiffersByCause(t *testing.T) {
	sizeCap := ResponseExceededStorage("too big", ESCMessageTooLarge)
	if sizeCap.EnhancedCode != string(ESCMessageTooLarge) {
		t.Errorf("EnhancedCode = %q, want %q", sizeCap.EnhancedCode, ESCMessageTooLarge)
	}

	full := ResponseExceededStorage("", ESCMailSystemFull)
	if full.EnhancedCode != string(ESCMailSystemFull) {
		t.Errorf("EnhancedCode = %q, want %q", full.EnhancedCode, ESCMailSystemFull)
	}
	if full.Message != "Requested mail action aborted: exceeded storage allocation" {
		t.Errorf("unexpected default message: %q", full.Message)
	}
}

func TestResponseInsufficientStorage_TooManyRecipients(t *testing.T) {
	resp := ResponseInsufficientStorage("too many recipients", ESCTempTooManyRecipients)
	if resp.Code != CodeInsufficientStorage {
		t.Errorf("Code = %d, want %d", resp.Code, CodeInsufficientStorage)
	}
	if resp.EnhancedCode != string(ESCTempTooManyRecipients) {
		t.Errorf("EnhancedCode = %q, want %q", resp.EnhancedCode, ESCTempTooManyRecipients)
	}
}

func TestResponseSyntaxError_SetsEnhancedCode(t *testing.T) {
	resp := ResponseSyntaxError("bad syntax")
	if resp.Code != CodeSyntaxError || resp.EnhancedCode != string(ESCSyntaxError) {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestResponseBadSequence_SetsEnhancedCode(t *testing.T) {
	resp := ResponseBadSequence("out of order")
	if resp.Code != CodeBadSequence || resp.EnhancedCode != string(ESCBadCommandSequence) {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestResponseParamsNotRecognized_PreservesExactMessage(t *testing.T) {
	resp := ResponseParamsNotRecognized("Unsupported option BODY")
	if resp.String() != "555 5.5.4 Unsupported option BODY" {
		t.Errorf("String() = %q", resp.String())
	}
}

func TestResponseCommandNotImplemented_Format(t *testing.T) {
	resp := ResponseCommandNotImplemented("STARTTLS")
	if resp.Message != "STARTTLS not implemented" {
		t.Errorf("Message = %q, want %q", resp.Message, "STARTTLS not implemented")
	}
}
