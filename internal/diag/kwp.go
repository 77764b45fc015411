package diag

import "fmt"

// KWP2000 service identifiers.
const (
	SIDStartDiagnosticSession     byte = 0x10
	SIDECUReset                   byte = 0x11
	SIDReadFreezeFrameData        byte = 0x12
	SIDReadDTC                    byte = 0x13
	SIDClearDiagnosticInformation byte = 0x14
	SIDReadStatusOfDTC            byte = 0x17
	SIDReadDTCByStatus            byte = 0x18
	SIDReadECUID                  byte = 0x1A
	SIDStopDiagnosticSession      byte = 0x20
	SIDReadDataByLocalID          byte = 0x21
	SIDReadDataByCommonID         byte = 0x22
	SIDReadMemoryByAddress        byte = 0x23
	SIDSecurityAccess             byte = 0x27
	SIDWriteDataByLocalID         byte = 0x3B
	SIDWriteMemoryByAddress       byte = 0x3D
	SIDTesterPresent              byte = 0x3E
	SIDStartCommunication         byte = 0x81
	SIDStopCommunication          byte = 0x82
	SIDAccessTimingParameters     byte = 0x83

	// NegativeResponse is the first byte of every negative response.
	NegativeResponse byte = 0x7F

	// Fixed positive replies outside the +0x40 convention.
	StartCommunicationOK     byte = 0xC1
	StopCommunicationOK      byte = 0xC2
	AccessTimingParametersOK byte = 0xC3

	// PositiveOffset is added to a request SID to form its positive reply.
	PositiveOffset byte = 0x40
)

// Negative response codes.
const (
	NRCGeneralReject              byte = 0x10
	NRCServiceNotSupported        byte = 0x11
	NRCSubFunctionNotSupported    byte = 0x12
	NRCBusyRepeatRequest          byte = 0x21
	NRCConditionsNotCorrect       byte = 0x22
	NRCRoutineNotComplete         byte = 0x23
	NRCRequestOutOfRange          byte = 0x31
	NRCSecurityAccessDenied       byte = 0x33
	NRCInvalidKey                 byte = 0x35
	NRCExceedNumberOfAttempts     byte = 0x36
	NRCRequiredTimeDelayNotExpire byte = 0x37
	NRCResponsePending            byte = 0x78
)

var serviceNames = map[byte]string{
	0x10: "startDiagnosticSession",
	0x11: "ecuReset",
	0x12: "readFreezeFrameData",
	0x13: "readDiagnosticTroubleCodes",
	0x14: "clearDiagnosticInformation",
	0x17: "readStatusOfDiagnosticTroubleCodes",
	0x18: "readDiagnosticTroubleCodesByStatus",
	0x1A: "readEcuId",
	0x20: "stopDiagnosticSession",
	0x21: "readDataByLocalId",
	0x22: "readDataByCommonId",
	0x23: "readMemoryByAddress",
	0x25: "stopRepeatedDataTransmission",
	0x26: "setDataRates",
	0x27: "securityAccess",
	0x2C: "dynamicallyDefineLocalId",
	0x2E: "writeDataByCommonId",
	0x2F: "inputOutputControlByCommonId",
	0x30: "inputOutputControlByLocalId",
	0x31: "startRoutineByLocalId",
	0x32: "stopRoutineByLocalId",
	0x33: "requestRoutineResultsByLocalId",
	0x34: "requestDownload",
	0x35: "requestUpload",
	0x36: "transferData",
	0x37: "requestTransferExit",
	0x38: "startRoutineByAddress",
	0x39: "stopRoutineByAddress",
	0x3A: "requestRoutineResultsByAddress",
	0x3B: "writeDataByLocalId",
	0x3D: "writeMemoryByAddress",
	0x3E: "testerPresent",
	0x80: "escCode",
	0x81: "startCommunication",
	0x82: "stopCommunication",
	0x83: "accessTimingParameters",
}

var responseCodeNames = map[byte]string{
	0x10: "generalReject",
	0x11: "serviceNotSupported",
	0x12: "subFunctionNotSupported-invalidFormat",
	0x21: "busy-repeatRequest",
	0x22: "conditionsNotCorrectOrRequestSequenceError",
	0x23: "routineNotCompleteOrServiceInProgress",
	0x31: "requestOutOfRange",
	0x33: "securityAccessDenied-securityAccessRequested",
	0x35: "invalidKey",
	0x36: "exceedNumberOfAttempts",
	0x37: "requiredTimeDelayNotExpired",
	0x40: "downloadNotAccepted",
	0x41: "improperDownloadType",
	0x42: "canNotDownloadToSpecifiedAddress",
	0x43: "canNotDownloadNumberOfBytesRequested",
	0x50: "uploadNotAccepted",
	0x51: "improperUploadType",
	0x52: "canNotUploadFromSpecifiedAddress",
	0x53: "canNotUploadNumberOfBytesRequested",
	0x71: "transferSuspended",
	0x72: "transferAborted",
	0x74: "illegalAddressInBlockTransfer",
	0x75: "illegalByteCountInBlockTransfer",
	0x76: "illegalBlockTransferType",
	0x77: "blockTransferDataChecksumError",
	0x78: "requestCorrectlyReceived-responsePending",
	0x79: "incorrectByteCountDuringBlockTransfer",
	0x80: "serviceNotSupportedInActiveDiagnosticMode",
}

// ServiceName returns the KWP2000 name of a request SID.
func ServiceName(sid byte) string {
	if n, ok := serviceNames[sid]; ok {
		return n
	}
	return "unknownService"
}

// ResponseCodeName returns the KWP2000 name of a negative response code.
func ResponseCodeName(nrc byte) string {
	if n, ok := responseCodeNames[nrc]; ok {
		return n
	}
	return "unknownResponseCode"
}

// IsNegative reports whether m is a negative response.
func IsNegative(m Message) bool { return len(m.Data) > 0 && m.Data[0] == NegativeResponse }

// DescribeResponse renders a KWP2000 response for logs.
func DescribeResponse(m Message) string {
	if len(m.Data) == 0 {
		return "empty message"
	}
	sid := m.Data[0]
	switch {
	case sid == NegativeResponse:
		if len(m.Data) < 3 {
			return "negative response (truncated)"
		}
		return fmt.Sprintf("negative response to %s: %s", ServiceName(m.Data[1]), ResponseCodeName(m.Data[2]))
	case sid == StartCommunicationOK:
		if len(m.Data) >= 3 {
			return fmt.Sprintf("startCommunication ok kb1=0x%02X kb2=0x%02X", m.Data[1], m.Data[2])
		}
		return "startCommunication ok"
	case sid == StopCommunicationOK:
		return "stopCommunication ok"
	case sid == AccessTimingParametersOK:
		return "accessTimingParameters ok"
	case sid&PositiveOffset != 0:
		if name, ok := serviceNames[sid-PositiveOffset]; ok {
			return fmt.Sprintf("%s ok [% X]", name, m.Data[1:])
		}
	case serviceNames[sid] != "":
		return fmt.Sprintf("%s request [% X]", serviceNames[sid], m.Data[1:])
	}
	return fmt.Sprintf("unknown response code 0x%02X", sid)
}
