package smb

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// NT status and Win32 error codes seen on the enumeration calls
const (
	STATUS_SUCCESS               uint32 = 0x00000000
	STATUS_NOT_SUPPORTED         uint32 = 0xc00000bb
	STATUS_ACCESS_DENIED         uint32 = 0xc0000022
	STATUS_LOGON_FAILURE         uint32 = 0xc000006d
	STATUS_ACCOUNT_DISABLED      uint32 = 0xc0000072
	STATUS_ACCOUNT_LOCKED_OUT    uint32 = 0xc0000234
	STATUS_PASSWORD_EXPIRED      uint32 = 0xc0000071
	STATUS_BAD_NETWORK_NAME      uint32 = 0xc00000cc
	STATUS_OBJECT_NAME_NOT_FOUND uint32 = 0xc0000034
	STATUS_PIPE_NOT_AVAILABLE    uint32 = 0xc00000ac
	STATUS_NO_SUCH_DOMAIN        uint32 = 0xc00000df
	STATUS_NO_SUCH_ALIAS         uint32 = 0xc0000151
	STATUS_CONNECTION_REFUSED    uint32 = 0xc0000236
	STATUS_MORE_ENTRIES          uint32 = 0x00000105

	ERROR_ACCESS_DENIED      uint32 = 5
	ERROR_NOT_SUPPORTED      uint32 = 50
	ERROR_MORE_DATA          uint32 = 234
	ERROR_NO_MORE_ITEMS      uint32 = 259
	NCA_S_OP_RNG_ERROR       uint32 = 0x1c010002
	RPC_S_SERVER_UNAVAILABLE uint32 = 0x000006ba
)

var statusNames = map[uint32]string{
	STATUS_NOT_SUPPORTED:         "StatusNotSupported",
	STATUS_ACCESS_DENIED:         "StatusAccessDenied",
	STATUS_LOGON_FAILURE:         "StatusLogonFailure",
	STATUS_ACCOUNT_DISABLED:      "StatusAccountDisabled",
	STATUS_ACCOUNT_LOCKED_OUT:    "StatusAccountLockedOut",
	STATUS_PASSWORD_EXPIRED:      "StatusPasswordExpired",
	STATUS_BAD_NETWORK_NAME:      "StatusBadNetworkName",
	STATUS_OBJECT_NAME_NOT_FOUND: "StatusObjectNameNotFound",
	STATUS_PIPE_NOT_AVAILABLE:    "StatusPipeNotAvailable",
	STATUS_NO_SUCH_DOMAIN:        "StatusNoSuchDomain",
	STATUS_NO_SUCH_ALIAS:         "StatusNoSuchAlias",
	STATUS_CONNECTION_REFUSED:    "StatusConnectionRefused",
	ERROR_ACCESS_DENIED:          "ErrorAccessDenied",
	ERROR_NOT_SUPPORTED:          "ErrorNotSupported",
	ERROR_MORE_DATA:              "ErrorMoreData",
	ERROR_NO_MORE_ITEMS:          "ErrorNoMoreItems",
	NCA_S_OP_RNG_ERROR:           "RpcOpRangeError",
	RPC_S_SERVER_UNAVAILABLE:     "RpcServerUnavailable",
}

// StatusName returns the outcome name of a status code, or its hex form.
func StatusName(status uint32) string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", status)
}

// Error categories
const (
	ErrorCategoryProtocol = "PROTOCOL"
	ErrorCategoryAuth     = "AUTH"
	ErrorCategoryNetwork  = "NETWORK"
	ErrorCategoryUnknown  = "UNKNOWN"
)

// ErrorClassification contains information about a classified SMB error.
type ErrorClassification struct {
	Category string
	// Outcome is the status string recorded for the host task
	Outcome string
	Message string
}

// ClassifyError classifies an SMB or RPC error for status reporting.
func ClassifyError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{Category: ErrorCategoryUnknown, Outcome: "Success", Message: "no error"}
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		c := ErrorClassification{Category: ErrorCategoryProtocol, Outcome: StatusName(rpcErr.Status), Message: rpcErr.Error()}
		if rpcErr.Status == STATUS_ACCESS_DENIED || rpcErr.Status == ERROR_ACCESS_DENIED {
			c.Category = ErrorCategoryAuth
			c.Outcome = "ErrorAccessDenied"
		}
		return c
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, ErrNotConnected):
		return ErrorClassification{Category: ErrorCategoryNetwork, Outcome: "NotConnected", Message: "SMB session is not connected"}

	case strings.Contains(errStr, "not supported") ||
		strings.Contains(errStr, "dialect") ||
		strings.Contains(errStr, "unsupported"):
		return ErrorClassification{Category: ErrorCategoryProtocol, Outcome: "ErrorNotSupported", Message: "SMB dialect or feature not supported by server"}

	case strings.Contains(errStr, "logon failure") ||
		strings.Contains(errStr, "invalid username") ||
		strings.Contains(errStr, "invalid password") ||
		strings.Contains(errStr, "authentication"):
		return ErrorClassification{Category: ErrorCategoryAuth, Outcome: "ErrorLogonFailure", Message: "Invalid username or password"}

	case strings.Contains(errStr, "access denied") || strings.Contains(errStr, "access is denied"):
		return ErrorClassification{Category: ErrorCategoryAuth, Outcome: "ErrorAccessDenied", Message: "Access denied - insufficient privileges"}

	case strings.Contains(errStr, "account disabled"):
		return ErrorClassification{Category: ErrorCategoryAuth, Outcome: "ErrorAccountDisabled", Message: "Account is disabled"}

	case strings.Contains(errStr, "locked out"):
		return ErrorClassification{Category: ErrorCategoryAuth, Outcome: "ErrorAccountLockedOut", Message: "Account is locked out"}

	case strings.Contains(errStr, "password expired"):
		return ErrorClassification{Category: ErrorCategoryAuth, Outcome: "ErrorPasswordExpired", Message: "Password has expired"}

	case strings.Contains(errStr, "object name not found") ||
		strings.Contains(errStr, "pipe not available") ||
		strings.Contains(errStr, "bad network name"):
		return ErrorClassification{Category: ErrorCategoryNetwork, Outcome: "ErrorPipeUnavailable", Message: "Named pipe not available"}

	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out"):
		return ErrorClassification{Category: ErrorCategoryNetwork, Outcome: "Timeout", Message: "Network timeout"}

	case strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "unreachable") ||
		strings.Contains(errStr, "eof"):
		return ErrorClassification{Category: ErrorCategoryNetwork, Outcome: "ErrorNetwork", Message: "Network connectivity issue"}
	}

	return ErrorClassification{Category: ErrorCategoryUnknown, Outcome: "ErrorUnknown", Message: err.Error()}
}

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to SMB server")
	ErrConnectionFailed = errors.New("failed to connect to SMB server")
	ErrAuthFailed       = errors.New("authentication failed")
)
