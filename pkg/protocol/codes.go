package protocol

// Code identifies the type of a protocol message. The numeric values are
// fixed by the NPP/1.1 wire format and must not change: existing clients
// and legacy servers interoperate on these exact numbers.
type Code int

// Framing markers. A current-dialect frame is
// START header SEPARATOR body END.
const (
	MarkStart     byte = 0x01
	MarkEnd       byte = 0x04
	MarkSeparator byte = 0x1F
)

const (
	ErrorAlreadyLoggedIn Code = 0x21
	ErrorInvalidFormat   Code = 0x22
	ErrorNotLoggedIn     Code = 0x23
	ErrorNotFound        Code = 0x24
	ErrorMissingData     Code = 0x25
	ErrorInternal        Code = 0x26
	ErrorUnauthorized    Code = 0x27
	ErrorUnexpected      Code = 0x28
	ErrorNotAllowed      Code = 0x29
	ErrorTimeout         Code = 0x2A
	ErrorMalformedPacket Code = 0x2F

	ServerInfo   Code = 0x30
	GroupNewUser Code = 0x31
	Chat         Code = 0x32

	RequestLogin          Code = 0x41
	RequestLogout         Code = 0x42
	RequestBroadcast      Code = 0x43
	RequestListUsers      Code = 0x44
	RequestListGroups     Code = 0x45
	RequestJoinGroup      Code = 0x46
	RequestCreateGroup    Code = 0x47
	RequestLeaveGroup     Code = 0x48
	RequestPrivateMessage Code = 0x49
	RequestGroupMessage   Code = 0x4A
	RequestSendFile       Code = 0x4B
	RequestReceiveFile    Code = 0x4C
	RequestSubmitKey      Code = 0x4D
	RequestGetKey         Code = 0x4E

	AckLogin          Code = 0x11
	AckLogout         Code = 0x12
	AckBroadcast      Code = 0x13
	AckListUsers      Code = 0x14
	AckListGroups     Code = 0x15
	AckJoinGroup      Code = 0x16
	AckCreateGroup    Code = 0x17
	AckLeaveGroup     Code = 0x18
	AckPrivateMessage Code = 0x19
	AckGroupMessage   Code = 0x1A
	AckSendFile       Code = 0x1B
	AckReceiveFile    Code = 0x1C
	AckSubmitKey      Code = 0x1D
	AckGetKey         Code = 0x1E

	FileAuthentication Code = 0x50
	FileAwaitPartner   Code = 0x51
	FileTransferReady  Code = 0x52

	EncryptionSetKey       Code = 0x60
	EncryptionKeyForwarded Code = 0x61

	HeartbeatRequest  Code = 0xF1
	HeartbeatResponse Code = 0xF2
)

// Kind groups codes into the coarse message categories selected by the
// high-order bits of the code. Several codes share a kind, so dispatch
// logic still switches on the full Code.
type Kind int

const (
	KindInvalid Kind = iota
	KindAck
	KindError
	KindInfo
	KindRequest
	KindFile
	KindEncryption
	KindHeartbeat
)

// Kind returns the category a code belongs to.
func (c Code) Kind() Kind {
	switch c >> 4 {
	case 0x1:
		return KindAck
	case 0x2:
		return KindError
	case 0x3:
		return KindInfo
	case 0x4:
		return KindRequest
	case 0x5:
		return KindFile
	case 0x6:
		return KindEncryption
	case 0xF:
		return KindHeartbeat
	default:
		return KindInvalid
	}
}

var registeredCodes = map[Code]struct{}{
	ErrorAlreadyLoggedIn: {}, ErrorInvalidFormat: {}, ErrorNotLoggedIn: {},
	ErrorNotFound: {}, ErrorMissingData: {}, ErrorInternal: {},
	ErrorUnauthorized: {}, ErrorUnexpected: {}, ErrorNotAllowed: {},
	ErrorTimeout: {}, ErrorMalformedPacket: {},

	ServerInfo: {}, GroupNewUser: {}, Chat: {},

	RequestLogin: {}, RequestLogout: {}, RequestBroadcast: {},
	RequestListUsers: {}, RequestListGroups: {}, RequestJoinGroup: {},
	RequestCreateGroup: {}, RequestLeaveGroup: {}, RequestPrivateMessage: {},
	RequestGroupMessage: {}, RequestSendFile: {}, RequestReceiveFile: {},
	RequestSubmitKey: {}, RequestGetKey: {},

	AckLogin: {}, AckLogout: {}, AckBroadcast: {}, AckListUsers: {},
	AckListGroups: {}, AckJoinGroup: {}, AckCreateGroup: {},
	AckLeaveGroup: {}, AckPrivateMessage: {}, AckGroupMessage: {},
	AckSendFile: {}, AckReceiveFile: {}, AckSubmitKey: {}, AckGetKey: {},

	FileAuthentication: {}, FileAwaitPartner: {}, FileTransferReady: {},

	EncryptionSetKey: {}, EncryptionKeyForwarded: {},

	HeartbeatRequest: {}, HeartbeatResponse: {},
}

// Registered reports whether c is a known protocol code.
func (c Code) Registered() bool {
	_, ok := registeredCodes[c]
	return ok
}
