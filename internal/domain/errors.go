// Package domain contains core business entities.
package domain

import "errors"

// ErrorCode classifies every failure the master can report through its
// error callback.
type ErrorCode int

const (
	CodeSuccess ErrorCode = iota
	CodeFatalError
	CodeInvalidSlave
	CodeInvalidIOMap
	CodeInvalidParameter
	CodeDCConfigFailed
	CodeSDOReadFailed
	CodeSDOWriteFailed
	CodeRegisterReadFailed
	CodeRegisterWriteFailed
	CodePDOOverflow
	CodePDOEntryNotFound
	CodePDOConfigFailed
	CodeSlaveConfigFailed
	CodeNoSlaves
	CodeDataTypeMismatch
	CodeNetworkInitFailed
	CodeStateTransitionTimeout
	CodeInvalidOperation
	CodeThreadAlreadyRunning
	CodePhysicalLayerError
	CodeConfigLoadFailed
	CodeConfigSaveFailed
	CodeCoEInitFailed
	CodeCoEObjectNotFound
	CodeCoEUploadFailed
	CodeCoEDownloadFailed
	CodeCoEEmergencyReceived
	CodeSyncManagerError
	CodeSyncManagerConfigFailed
	CodeFMMUError
	CodeFMMUConfigFailed
	CodeMailboxError
	CodeMailboxConfigFailed
	CodeWorkingCounterError
	CodeFrameError
)

var codeNames = map[ErrorCode]string{
	CodeSuccess:                 "Success",
	CodeFatalError:              "FatalError",
	CodeInvalidSlave:            "InvalidSlave",
	CodeInvalidIOMap:            "InvalidIOMap",
	CodeInvalidParameter:        "InvalidParameter",
	CodeDCConfigFailed:          "DCConfigFailed",
	CodeSDOReadFailed:           "SDOReadFailed",
	CodeSDOWriteFailed:          "SDOWriteFailed",
	CodeRegisterReadFailed:      "RegisterReadFailed",
	CodeRegisterWriteFailed:     "RegisterWriteFailed",
	CodePDOOverflow:             "PDOOverflow",
	CodePDOEntryNotFound:        "PDOEntryNotFound",
	CodePDOConfigFailed:         "PDOConfigFailed",
	CodeSlaveConfigFailed:       "SlaveConfigFailed",
	CodeNoSlaves:                "NoSlaves",
	CodeDataTypeMismatch:        "DataTypeMismatch",
	CodeNetworkInitFailed:       "NetworkInitFailed",
	CodeStateTransitionTimeout:  "StateTransitionTimeout",
	CodeInvalidOperation:        "InvalidOperation",
	CodeThreadAlreadyRunning:    "ThreadAlreadyRunning",
	CodePhysicalLayerError:      "PhysicalLayerError",
	CodeConfigLoadFailed:        "ConfigLoadFailed",
	CodeConfigSaveFailed:        "ConfigSaveFailed",
	CodeCoEInitFailed:           "CoEInitFailed",
	CodeCoEObjectNotFound:       "CoEObjectNotFound",
	CodeCoEUploadFailed:         "CoEUploadFailed",
	CodeCoEDownloadFailed:       "CoEDownloadFailed",
	CodeCoEEmergencyReceived:    "CoEEmergencyReceived",
	CodeSyncManagerError:        "SyncManagerError",
	CodeSyncManagerConfigFailed: "SyncManagerConfigFailed",
	CodeFMMUError:               "FMMUError",
	CodeFMMUConfigFailed:        "FMMUConfigFailed",
	CodeMailboxError:            "MailboxError",
	CodeMailboxConfigFailed:     "MailboxConfigFailed",
	CodeWorkingCounterError:     "WorkingCounterError",
	CodeFrameError:              "FrameError",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Network and ring errors.
var (
	ErrNetworkInitFailed      = errors.New("network initialization failed")
	ErrNoSlaves               = errors.New("no slaves responding")
	ErrPhysicalLayer          = errors.New("physical layer error")
	ErrFrameLost              = errors.New("frame lost")
	ErrFrameMalformed         = errors.New("malformed frame")
	ErrWorkingCounter         = errors.New("working counter mismatch")
	ErrStateTransitionTimeout = errors.New("state transition timeout")
	ErrLinkClosed             = errors.New("link closed")
)

// Configuration errors.
var (
	ErrInvalidSlave          = errors.New("invalid slave")
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrInvalidIOMap          = errors.New("invalid I/O map")
	ErrSlaveConfigFailed     = errors.New("slave configuration failed")
	ErrSyncManager           = errors.New("sync manager index out of range")
	ErrSyncManagerConfig     = errors.New("sync manager configuration failed")
	ErrFMMU                  = errors.New("fmmu index out of range")
	ErrFMMUConfig            = errors.New("fmmu configuration failed")
	ErrMailbox               = errors.New("mailbox error")
	ErrMailboxConfig         = errors.New("mailbox configuration failed")
	ErrDCConfig              = errors.New("distributed clock configuration failed")
	ErrPDOConfig             = errors.New("pdo configuration failed")
	ErrPDOOverflow           = errors.New("pdo layout overflows process image")
	ErrPDOEntryNotFound      = errors.New("pdo entry not found")
	ErrConfigLoadFailed      = errors.New("configuration load failed")
	ErrDuplicateSlaveAddress = errors.New("duplicate slave address")
)

// Acyclic access errors.
var (
	ErrRegisterRead       = errors.New("register read failed")
	ErrRegisterWrite      = errors.New("register write failed")
	ErrSDORead            = errors.New("sdo read failed")
	ErrSDOWrite           = errors.New("sdo write failed")
	ErrCoEInit            = errors.New("coe init failed")
	ErrCoEObjectNotFound  = errors.New("coe object not found")
	ErrCoEEmergency       = errors.New("coe emergency received")
	ErrMailboxTimeout     = errors.New("mailbox timeout")
	ErrProtocolNotEnabled = errors.New("mailbox protocol not supported")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Value and lifecycle errors.
var (
	ErrDataTypeMismatch     = errors.New("data type mismatch")
	ErrInvalidBitLength     = errors.New("invalid bit length")
	ErrInvalidOperation     = errors.New("invalid operation")
	ErrAlreadyRunning       = errors.New("already running")
	ErrNotRunning           = errors.New("not running")
	ErrInvalidAddress       = errors.New("invalid register address")
	ErrReconnectFailed      = errors.New("reconnect attempts exhausted")
	ErrReconnectInProgress  = errors.New("reconnect already in progress")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
)

// codeTable is ordered so that the most specific sentinel wins when an
// error wraps several.
var codeTable = []struct {
	err  error
	code ErrorCode
}{
	{ErrSyncManagerConfig, CodeSyncManagerConfigFailed},
	{ErrFMMUConfig, CodeFMMUConfigFailed},
	{ErrMailboxConfig, CodeMailboxConfigFailed},
	{ErrDCConfig, CodeDCConfigFailed},
	{ErrPDOConfig, CodePDOConfigFailed},
	{ErrPDOOverflow, CodePDOOverflow},
	{ErrPDOEntryNotFound, CodePDOEntryNotFound},
	{ErrSDORead, CodeSDOReadFailed},
	{ErrSDOWrite, CodeSDOWriteFailed},
	{ErrCoEObjectNotFound, CodeCoEObjectNotFound},
	{ErrCoEEmergency, CodeCoEEmergencyReceived},
	{ErrCoEInit, CodeCoEInitFailed},
	{ErrStateTransitionTimeout, CodeStateTransitionTimeout},
	{ErrNoSlaves, CodeNoSlaves},
	{ErrNetworkInitFailed, CodeNetworkInitFailed},
	{ErrPhysicalLayer, CodePhysicalLayerError},
	{ErrWorkingCounter, CodeWorkingCounterError},
	{ErrFrameLost, CodeFrameError},
	{ErrFrameMalformed, CodeFrameError},
	{ErrSyncManager, CodeSyncManagerError},
	{ErrFMMU, CodeFMMUError},
	{ErrMailbox, CodeMailboxError},
	{ErrMailboxTimeout, CodeMailboxError},
	{ErrProtocolNotEnabled, CodeMailboxError},
	{ErrRegisterRead, CodeRegisterReadFailed},
	{ErrRegisterWrite, CodeRegisterWriteFailed},
	{ErrSlaveConfigFailed, CodeSlaveConfigFailed},
	{ErrInvalidSlave, CodeInvalidSlave},
	{ErrInvalidIOMap, CodeInvalidIOMap},
	{ErrInvalidParameter, CodeInvalidParameter},
	{ErrDataTypeMismatch, CodeDataTypeMismatch},
	{ErrInvalidBitLength, CodeDataTypeMismatch},
	{ErrConfigLoadFailed, CodeConfigLoadFailed},
	{ErrAlreadyRunning, CodeThreadAlreadyRunning},
	{ErrInvalidOperation, CodeInvalidOperation},
}

// CodeOf returns the error code for err. A nil error maps to CodeSuccess and
// an unclassified one to CodeFatalError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}
	var coded interface{ ErrorCode() ErrorCode }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeFatalError
}
