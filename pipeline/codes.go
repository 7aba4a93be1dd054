package pipeline

import "fmt"

// Code identifies a failure class. Every pipeline failure carries exactly one
// code so that operators and generated error reports can tell failure modes
// apart instead of collapsing them into a generic message.
type Code string

const (
	// Generic
	CodeInternal Code = "INTERNAL"

	// Card selection
	CodeNoCardFound          Code = "CARD_NOT_FOUND"
	CodeCardCertLookupFailed Code = "CARD_CERT_LOOKUP_FAILED"
	CodeCardPinLookupFailed  Code = "CARD_PIN_LOOKUP_FAILED"
	CodeCardListFailed       Code = "CARD_LIST_FAILED"

	// Certificate resolution
	CodeCertNotFound   Code = "CERT_NOT_FOUND"
	CodeKimVersion     Code = "KIM_VERSION_UNSUPPORTED"
	CodeRcptRejected   Code = "RCPT_REJECTED"
	CodeCertConstraint Code = "CERT_CONSTRAINT_VIOLATED"

	// Attachment offload, outgoing
	CodeKasRead               Code = "KAS_READ_FAILED"
	CodeKasEncrypt            Code = "KAS_ENCRYPT_FAILED"
	CodeKasUploadBadRequest   Code = "KAS_UPLOAD_BAD_REQUEST"
	CodeKasUploadUnauthorized Code = "KAS_UPLOAD_UNAUTHORIZED"
	CodeKasUploadTooLarge     Code = "KAS_UPLOAD_TOO_LARGE"
	CodeKasUploadServerError  Code = "KAS_UPLOAD_SERVER_ERROR"
	CodeKasUploadInsufficient Code = "KAS_UPLOAD_INSUFFICIENT_STORAGE"
	CodeKasUpload             Code = "KAS_UPLOAD_FAILED"

	// Attachment offload, incoming
	CodeKasDownloadNotFound    Code = "KAS_DOWNLOAD_NOT_FOUND"
	CodeKasDownloadForbidden   Code = "KAS_DOWNLOAD_FORBIDDEN"
	CodeKasDownloadRateLimited Code = "KAS_DOWNLOAD_RATE_LIMITED"
	CodeKasDownload            Code = "KAS_DOWNLOAD_FAILED"
	CodeKasDecrypt             Code = "KAS_DECRYPT_FAILED"
	CodeKasHashMismatch        Code = "KAS_HASH_MISMATCH"
	CodeKasMetaInvalid         Code = "KAS_META_INVALID"

	// Mail crypto
	CodeDecryptFailed Code = "DECRYPT_FAILED"
	CodeVerifyFailed  Code = "VERIFY_FAILED"
	CodeSignFailed    Code = "SIGN_FAILED"
	CodeEncryptFailed Code = "ENCRYPT_FAILED"

	// Protocol / backend
	CodeAuthFailed     Code = "AUTH_FAILED"
	CodeBackendConnect Code = "BACKEND_CONNECT_FAILED"
	CodeProtocolState  Code = "PROTOCOL_STATE_VIOLATION"
)

// Error is the failure type recorded into an operation's namespace. It ties
// a code to the operation that produced it and an optional cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a coded failure for the given operation.
func Errorf(op string, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a code and operation name to an underlying error. A nil
// cause yields a bare coded error.
func Wrap(op string, code Code, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the failure code from an error chain, defaulting to
// CodeInternal for errors that did not originate in the pipeline.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for {
		if pe, ok := err.(*Error); ok {
			return pe.Code
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return CodeInternal
		}
		err = u.Unwrap()
		if err == nil {
			return CodeInternal
		}
	}
}
